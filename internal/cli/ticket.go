package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var ticketHeaders = []string{"ID", "TASK_ID", "ROLE", "PRIORITY", "STATUS", "ATTEMPTS", "CLAIMED_BY", "CREATED"}

func ticketRow(t TicketResponse) []string {
	return []string{
		t.ID, t.TaskID, t.Role, strconv.Itoa(t.Priority), t.Status,
		strconv.Itoa(t.Attempts), t.ClaimedBy, t.CreatedAt,
	}
}

// NewTicketCmd создаёт группу команд для управления tickets.
func NewTicketCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ticket",
		Short: "Inspect and manage queue tickets",
	}

	cmd.AddCommand(
		newTicketListCmd(clientFn, outputFn),
		newTicketShowCmd(clientFn, outputFn),
		newTicketRequeueCmd(clientFn, outputFn),
		newTicketFailCmd(clientFn, outputFn),
	)

	return cmd
}

func newTicketListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts ListTicketsOpts

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tickets",
		RunE: func(cmd *cobra.Command, args []string) error {
			tickets, err := clientFn().ListTickets(opts)
			if err != nil {
				return err
			}

			rows := make([][]string, len(tickets))
			for i, t := range tickets {
				rows[i] = ticketRow(t)
			}

			outputFn().Print(ticketHeaders, rows, tickets)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.TaskID, "task-id", "", "Filter by task ID")
	cmd.Flags().StringVar(&opts.Role, "role", "", "Filter by role")
	cmd.Flags().StringVar(&opts.Status, "status", "", "Filter by status (queued, processing, completed, failed)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum number of results")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "Number of results to skip")

	return cmd
}

func newTicketShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show ticket details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ticket, err := clientFn().GetTicket(args[0])
			if err != nil {
				return err
			}

			outputFn().Print(
				append(ticketHeaders, "ERROR"),
				[][]string{append(ticketRow(*ticket), ticket.Error)},
				ticket,
			)
			return nil
		},
	}
}

func newTicketRequeueCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue ID",
		Short: "Return a claimed ticket to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			ticket, err := clientFn().RequeueTicket(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Ticket requeued: %s", ticket.ID))
			out.Print(ticketHeaders, [][]string{ticketRow(*ticket)}, ticket)
			return nil
		},
	}
}

func newTicketFailCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "fail ID",
		Short: "Mark a ticket as failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			ticket, err := clientFn().FailTicket(args[0], reason)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Ticket failed: %s", ticket.ID))
			out.Print(ticketHeaders, [][]string{ticketRow(*ticket)}, ticket)
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Failure reason recorded on the ticket")

	return cmd
}

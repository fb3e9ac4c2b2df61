package cli

import (
	"github.com/spf13/cobra"
)

// NewTaskCmd создаёт группу команд для просмотра задач.
func NewTaskCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect tasks by their task store ID",
	}

	cmd.AddCommand(
		newTaskTicketCmd(clientFn, outputFn),
		newTaskOutputCmd(clientFn, outputFn),
	)

	return cmd
}

func newTaskTicketCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "ticket TASK_ID",
		Short: "Show the active or latest ticket of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ticket, err := clientFn().GetTaskTicket(args[0])
			if err != nil {
				return err
			}

			outputFn().Print(ticketHeaders, [][]string{ticketRow(*ticket)}, ticket)
			return nil
		},
	}
}

func newTaskOutputCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "output TASK_ID",
		Short: "Show the output of the latest completed ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := clientFn().GetTaskOutput(args[0])
			if err != nil {
				return err
			}

			// Output — произвольный JSON, таблица для него не подходит.
			outputFn().JSON(out.Output)
			return nil
		},
	}
}

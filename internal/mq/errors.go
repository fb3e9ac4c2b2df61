package mq

import "errors"

// Ошибки транспорта.
var (
	// ErrNoChannel — соединение не установлено или переподключается.
	ErrNoChannel = errors.New("no channel available")

	// ErrClosed — соединение закрыто через Close.
	ErrClosed = errors.New("connection closed")

	// ErrMalformedMessage — сообщение не удалось разобрать; уходит в DLQ.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrUnsupportedMessage — конверт не с событием ticket.
	ErrUnsupportedMessage = errors.New("unsupported message type")
)

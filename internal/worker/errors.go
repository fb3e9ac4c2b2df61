package worker

import "errors"

// Ошибки воркера.
var (
	// ErrUnknownRole — для роли не зарегистрирован handler.
	ErrUnknownRole = errors.New("unknown role")

	// ErrUnknownHandlerType — неизвестный тип handler'а в конфигурации роли.
	ErrUnknownHandlerType = errors.New("unknown handler type")

	// ErrInvalidPayload — payload ticket не прошёл валидацию.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrHandlerPanic — handler завершился panic.
	ErrHandlerPanic = errors.New("handler panic")

	// ErrHTTPRequest — HTTP-запрос завершился ошибкой.
	ErrHTTPRequest = errors.New("http request failed")

	// ErrTemplate — шаблон URL или заголовка не разбирается или не рендерится.
	ErrTemplate = errors.New("template error")

	// ErrExecutorStopped — executor остановлен во время обработки ticket.
	ErrExecutorStopped = errors.New("executor stopped")
)

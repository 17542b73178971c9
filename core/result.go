package core

// Result is the shape every worker-adapter operation returns across the
// engine boundary (spec.md §7): adapters never throw/panic into the
// engine, they report outcomes as data.
type Result struct {
	Success bool
	Message string
	Err     error
	Data    interface{}
}

// Ok builds a successful Result carrying data.
func Ok(message string, data interface{}) Result {
	return Result{Success: true, Message: message, Data: data}
}

// Fail builds a failed Result carrying the causing error.
func Fail(message string, err error) Result {
	return Result{Success: false, Message: message, Err: err}
}

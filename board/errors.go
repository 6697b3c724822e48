package board

import "errors"

var (
	// ErrTaskNotFound indicates the referenced task does not exist on the board.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskExists indicates a create used an ID that is already taken.
	ErrTaskExists = errors.New("task already exists")

	// ErrInvalidTransition indicates the requested status change is not
	// permitted by the task status machine.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidTask indicates a task record is structurally invalid.
	ErrInvalidTask = errors.New("invalid task")

	// ErrUnknownCommand indicates the router could not match the input
	// text to any board intent.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrMissingResult indicates a mark-done without the required result text.
	ErrMissingResult = errors.New("done requires a result")
)

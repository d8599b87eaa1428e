package browser

import "context"

// FileChooser is an armed, one-shot interception of the page's next file
// dialog. It must be armed before the action that opens the dialog.
type FileChooser interface {
	// Accept waits for the dialog and supplies paths to it.
	Accept(ctx context.Context, paths []string) error
	// Disarm stops intercepting. It is safe to call more than once.
	Disarm()
}

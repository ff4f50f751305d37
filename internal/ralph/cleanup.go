package ralph

import (
	"fmt"
	"os"

	"github.com/martiangreed/marathon/internal/domain"
)

// Cleanup runs the epilogue for the given strategy (spec section 3's
// CleanupStrategy, wired to MARATHON_CLEANUP_STRATEGY). It is called on
// every exit path — success, failure, and cancellation alike — and never
// fails the task: errors are returned for logging only.
func Cleanup(strategy domain.CleanupStrategy, workDir string) error {
	switch strategy {
	case domain.CleanupNone:
		return nil

	case domain.CleanupKeepWorkspace:
		return logIfNotFound(RemoveCredentialsHelper())

	case domain.CleanupKeepCache:
		if err := logIfNotFound(RemoveCredentialsHelper()); err != nil {
			return err
		}
		return logIfNotFound(removeWorkspace(workDir))

	case domain.CleanupFull:
		if err := logIfNotFound(RemoveCredentialsHelper()); err != nil {
			return err
		}
		if err := logIfNotFound(removeWorkspace(workDir)); err != nil {
			return err
		}
		return nil

	default:
		// Unknown strategy: behave like "none" rather than risk deleting
		// state the operator didn't ask to remove.
		return nil
	}
}

func removeWorkspace(workDir string) error {
	if workDir == "" {
		return nil
	}
	return os.RemoveAll(workDir)
}

// logIfNotFound suppresses "not found" errors (the thing to clean up was
// already gone) and wraps everything else, per spec section 4.7's epilogue
// note that only non-"not found" errors are worth logging.
func logIfNotFound(err error) error {
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	return fmt.Errorf("ralph: cleanup: %w", err)
}

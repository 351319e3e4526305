package webhookerr

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/acme/voice-campaign-orchestrator/internal/domain"
	apperrors "github.com/acme/voice-campaign-orchestrator/pkg/errors"
)

// Classify reports whether a processing failure is worth redriving. Unknown errors are
// treated as transient so nothing is dropped on a misclassification.
func Classify(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, apperrors.ErrValidation),
		errors.Is(err, apperrors.ErrUnauthorized),
		errors.Is(err, apperrors.ErrNotFound),
		errors.Is(err, apperrors.ErrInvalidTransition):
		return false
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, apperrors.ErrUnavailable),
		errors.Is(err, apperrors.ErrConflict):
		return true
	}

	var terr *domain.TransitionError
	if errors.As(err, &terr) {
		return false
	}

	var serr *apperrors.StatusError
	if errors.As(err, &serr) {
		return serr.Temporary()
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return retryablePgCode(pgErr.Code)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return true
}

func retryablePgCode(code string) bool {
	switch {
	case code == "40001", code == "40P01", code == "55P03", code == "57P01", code == "57P03":
		return true
	case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "53"):
		return true
	}
	return false
}

package httpadapter

import (
	"net/http"

	"github.com/kirillkom/archive-pipeline/internal/core/domain"
)

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case domain.IsKind(err, domain.ErrDocumentNotFound), domain.IsKind(err, domain.ErrObjectNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrDuplicateDocument):
		return http.StatusConflict
	case domain.IsKind(err, domain.ErrTemporary):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

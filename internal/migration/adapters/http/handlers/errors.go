package handlers

import (
	"errors"
	"net/http"

	"github.com/linkflow-ai/migrator/internal/migration/adapters/executor"
	"github.com/linkflow-ai/migrator/internal/migration/app/guard"
	"github.com/linkflow-ai/migrator/internal/migration/domain/model"
	"github.com/linkflow-ai/migrator/internal/platform/response"
	"github.com/linkflow-ai/migrator/internal/platform/validation"
)

var (
	errInvalidBody         = response.NewError(http.StatusBadRequest, "INVALID_BODY", "Request body is not valid JSON")
	errMissingDependencies = response.NewError(http.StatusUnprocessableEntity, "MISSING_DEPENDENCIES", "Migration dependencies are not applied")
	errEnvironmentLocked   = response.NewError(http.StatusLocked, "ENVIRONMENT_LOCKED", "Another migration is running in this environment")
	errUnknownEnvironment  = response.NewError(http.StatusNotFound, "UNKNOWN_ENVIRONMENT", "Environment is not configured")
)

var kindStatus = map[model.ErrorKind]struct {
	status int
	code   string
}{
	model.KindNotFound:            {http.StatusNotFound, "MIGRATION_NOT_FOUND"},
	model.KindAlreadyApplied:      {http.StatusConflict, "ALREADY_APPLIED"},
	model.KindCancelled:           {http.StatusConflict, "CANCELLED"},
	model.KindRollbackBlocked:     {http.StatusConflict, "ROLLBACK_BLOCKED"},
	model.KindMigrationNotApplied: {http.StatusConflict, "MIGRATION_NOT_APPLIED"},
	model.KindRollbackRiskTooHigh: {http.StatusUnprocessableEntity, "ROLLBACK_RISK_TOO_HIGH"},
	model.KindCircularDependency:  {http.StatusUnprocessableEntity, "CIRCULAR_DEPENDENCY"},
	model.KindSelfDependency:      {http.StatusUnprocessableEntity, "SELF_DEPENDENCY"},
	model.KindExecutionFailure:    {http.StatusInternalServerError, "EXECUTION_FAILED"},
}

// toAPIError maps domain and adapter errors to HTTP errors
func toAPIError(err error) *response.APIError {
	switch {
	case errors.Is(err, guard.ErrEnvironmentLocked):
		return errEnvironmentLocked
	case errors.Is(err, executor.ErrUnknownEnvironment):
		return errUnknownEnvironment
	}

	var domainErr *model.Error
	if errors.As(err, &domainErr) {
		m, ok := kindStatus[domainErr.Kind]
		if !ok {
			return response.ErrInternal
		}
		apiErr := response.NewError(m.status, m.code, domainErr.Error())
		if domainErr.MigrationID != "" {
			apiErr = apiErr.WithDetails("migration_id", domainErr.MigrationID)
		}
		if domainErr.Blocking != model.BlockingNone {
			apiErr = apiErr.WithDetails("blocking_kind", string(domainErr.Blocking))
		}
		return apiErr
	}
	return response.ErrInternal
}

// writeError logs unexpected failures and writes the mapped error. A non-nil
// data payload, such as the failed result, is sent alongside.
func (h *MigrationHandler) writeError(w http.ResponseWriter, r *http.Request, err error, data interface{}) {
	apiErr := toAPIError(err)
	if apiErr.StatusCode >= http.StatusInternalServerError {
		h.logger.WithContext(r.Context()).Error("Request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
	}
	if data != nil {
		response.ErrorWithData(w, apiErr, data)
		return
	}
	response.Error(w, apiErr)
}

func validationError(v *validation.Validator) *response.APIError {
	return response.NewError(http.StatusBadRequest, "VALIDATION_ERROR", v.Error())
}

package fault

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Wire names of the domain error kinds. The gateway reports them verbatim in
// the "exception" field of error bodies.
const (
	KindAccessTokenNotFound     = "AccessTokenNotFoundException"
	KindInvalidToken            = "InvalidTokenException"
	KindInsufficientScope       = "InsufficientScopeException"
	KindUnauthorizedDataAccess  = "UnauthorizedDataAccessException"
	KindInvalidRequest          = "InvalidRequestException"
	KindMissingArgument         = "MissingArgumentException"
	KindStudyDoesNotExist       = "StudyDoesNotExistException"
	KindParticipantDoesNotExist = "ParticipantDoesNotExistException"
	KindStudyNotActive          = "StudyNotActiveException"
	KindStudyExists             = "StudyExistsException"
	KindStudyAssetExists        = "StudyAssetExistsException"
	KindUserExists              = "UserExistsException"
	KindUserDoesNotExist        = "UserDoesNotExistException"
	KindCardNotFound            = "CardNotFoundException"
	KindUnknownEndpoint         = "UnknownEndpointException"
	KindMethodNotAllowed        = "MethodNotAllowedException"
	KindCreateStudyFailed       = "CreateStudyFailedException"
	KindAddConsentFailed        = "AddConsentToStudyFailedException"
	KindWithdrawConsentFailed   = "WithdrawConsentFromStudyFailedException"
	KindHasConsentedFailed      = "HasConsentedFailedException"
	KindAllParticipantsFailed   = "GetAllStudyParticipantsFailedException"
	KindConsentingFailed        = "GetConsentingParticipantsFailedException"
	KindConsentTrailFailed      = "GetConsentTrailFailedException"
	KindInternal                = "InternalException"
)

// Error is a domain error carrying a stable wire kind and HTTP status.
type Error struct {
	Kind    string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a domain error with an explicit status.
func New(kind string, status int, format string, args ...any) *Error {
	return &Error{Kind: kind, Status: status, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches an underlying cause to a domain error; the cause's message is
// surfaced to the caller, never a stack trace.
func Wrap(kind string, status int, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Status: status, Message: fmt.Sprintf(format, args...), Err: err}
}

// From normalizes any error into a domain error. Unrecognized errors become
// 500 InternalException but still report a kind name.
func From(err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return &Error{Kind: KindInternal, Status: http.StatusInternalServerError, Message: err.Error(), Err: err}
}

// Is reports whether err carries the given kind.
func Is(err error, kind string) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}

// Constructors for the common kinds ---------------------------------------

func AccessTokenNotFound() *Error {
	return New(KindAccessTokenNotFound, http.StatusUnauthorized, "access token not found")
}

func InvalidToken(reason string) *Error {
	return New(KindInvalidToken, http.StatusUnauthorized, "invalid token: %s", reason)
}

func InsufficientScope(missing []string) *Error {
	return New(KindInsufficientScope, http.StatusForbidden, "missing scopes: %s", strings.Join(missing, " "))
}

func UnauthorizedDataAccess() *Error {
	return New(KindUnauthorizedDataAccess, http.StatusUnauthorized, "access to another user's data is not allowed")
}

func MissingArgument(keys []string) *Error {
	return New(KindMissingArgument, http.StatusBadRequest, "missing arguments: %s", strings.Join(keys, ", "))
}

func InvalidRequest(reason string) *Error {
	return New(KindInvalidRequest, http.StatusBadRequest, "%s", reason)
}

func StudyDoesNotExist(id string) *Error {
	return New(KindStudyDoesNotExist, http.StatusBadRequest, "study %s does not exist", id)
}

func ParticipantDoesNotExist(id string) *Error {
	return New(KindParticipantDoesNotExist, http.StatusBadRequest, "participant %s does not exist", id)
}

func StudyNotActive(id string) *Error {
	return New(KindStudyNotActive, http.StatusBadRequest, "study %s is not in its active window", id)
}

// StudyAssetExists marks the explicit consistency anomaly: a study present in
// the ledger but not (or no longer) in the relational store. It is never
// folded into ordinary duplication.
func StudyAssetExists(id string) *Error {
	return New(KindStudyAssetExists, http.StatusConflict, "study %s already exists as a ledger asset", id)
}

func CardNotFound(userID string) *Error {
	return New(KindCardNotFound, http.StatusNotFound, "no retrievable card for participant %s", userID)
}

func UserExists(username string) *Error {
	return New(KindUserExists, http.StatusConflict, "user %s already exists", username)
}

func UserDoesNotExist(username string) *Error {
	return New(KindUserDoesNotExist, http.StatusBadRequest, "user %s does not exist", username)
}

func StudyExists(id string) *Error {
	return New(KindStudyExists, http.StatusConflict, "study %s already exists", id)
}

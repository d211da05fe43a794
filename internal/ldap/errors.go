package ldap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// ErrorKind is the top-level category of an error returned by a Connection.
type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindState       ErrorKind = "state"
	KindLogin       ErrorKind = "login"
	KindOperational ErrorKind = "operational"
	KindServer      ErrorKind = "server"
)

// ResultClass is the fixed classification of one LDAP result code.
type ResultClass struct {
	Name        string    // Stable identifier, e.g. "invalid_credentials"
	Kind        ErrorKind // Category the code belongs to
	Code        uint16    // LDAP result code
	Message     string    // Short human-readable message
	Description string    // Long description of the condition
}

// resultClasses is the static code table. Entries never change at runtime.
var resultClasses = buildResultClasses(
	ResultClass{"success", KindOperational, ldap.LDAPResultSuccess, "Operation completed successfully", "Indicates the successful completion of an operation."},
	ResultClass{"operations_error", KindOperational, ldap.LDAPResultOperationsError, "LDAP operations error", "Indicates that the operation is not properly sequenced with relation to other operations."},
	ResultClass{"protocol", KindOperational, ldap.LDAPResultProtocolError, "LDAP protocol error", "Indicates that the server has received an invalid or malformed request from the client."},
	ResultClass{"time_limit", KindServer, ldap.LDAPResultTimeLimitExceeded, "LDAP time limit exceeded", "Indicates that the operation's time limit specified by either the client or the server has been exceeded."},
	ResultClass{"size_limit", KindOperational, ldap.LDAPResultSizeLimitExceeded, "LDAP size limit exceeded", "Indicates that in a search operation, the size limit specified by the client or the server has been exceeded."},
	ResultClass{"compare_false", KindOperational, ldap.LDAPResultCompareFalse, "LDAP compare returned false", "Indicates that the compare operation has successfully completed and the assertion has evaluated to FALSE."},
	ResultClass{"compare_true", KindOperational, ldap.LDAPResultCompareTrue, "LDAP compare returned true", "Indicates that the compare operation has successfully completed and the assertion has evaluated to TRUE."},
	ResultClass{"auth_method_not_supported", KindLogin, ldap.LDAPResultAuthMethodNotSupported, "Authentication method not supported", "Indicates that during a bind operation the client requested an authentication method not supported by the LDAP server."},
	ResultClass{"strong_auth_required", KindLogin, ldap.LDAPResultStrongAuthRequired, "Strong authentication required",
		"Indicates one of the following: In bind requests, the LDAP server accepts only strong authentication." +
			" In a client request, the client requested an operation such as delete that requires strong authentication." +
			" In an unsolicited notice of disconnection, the LDAP server discovers the security protecting the communication" +
			" between the client and server has unexpectedly failed or been compromised."},
	ResultClass{"referral", KindOperational, ldap.LDAPResultReferral, "LDAP referral", "Indicates that the server does not hold the target entry of the request but knows of servers that may."},
	ResultClass{"admin_limit", KindServer, ldap.LDAPResultAdminLimitExceeded, "Administrative limit exceeded", "Indicates that an LDAP server limit set by an administrative authority has been exceeded."},
	ResultClass{"unavailable_critical_extension", KindServer, ldap.LDAPResultUnavailableCriticalExtension, "Critical extension unavailable", "Indicates that the LDAP server was unable to satisfy a request because one or more critical extensions were not available."},
	ResultClass{"confidentiality_required", KindServer, ldap.LDAPResultConfidentialityRequired, "Confidentiality required", "Indicates that the session is not protected by a protocol such as TLS and the server requires it."},
	ResultClass{"sasl_bind_in_progress", KindLogin, ldap.LDAPResultSaslBindInProgress, "SASL bind in progress", "Indicates that the LDAP server is sending a SASL challenge as part of a multi-stage bind."},
	ResultClass{"no_such_attribute", KindOperational, ldap.LDAPResultNoSuchAttribute, "Requested attribute does not exist", "Indicates that the attribute specified in the modify or compare operation does not exist in the entry."},
	ResultClass{"undefined_type", KindOperational, ldap.LDAPResultUndefinedAttributeType, "Attribute type is not defined", "Indicates that the attribute specified in the modify or add operation does not exist in the LDAP server's schema."},
	ResultClass{"inappropriate_matching", KindOperational, ldap.LDAPResultInappropriateMatching, "Inappropriate matching rule", "Indicates that the matching rule specified in the search filter does not match a rule defined for the attribute's syntax."},
	ResultClass{"constraint_violation", KindOperational, ldap.LDAPResultConstraintViolation, "Constraint violation", "Indicates that the attribute value specified in a modify, add, or modify DN operation violates constraints placed on the attribute."},
	ResultClass{"attribute_or_value_exists", KindOperational, ldap.LDAPResultAttributeOrValueExists, "Attribute or value already exists", "Indicates that the attribute value specified in a modify or add operation already exists as a value for that attribute."},
	ResultClass{"invalid_attribute_syntax", KindOperational, ldap.LDAPResultInvalidAttributeSyntax, "Invalid attribute syntax", "Indicates that the attribute value specified in an add, compare, or modify operation is an unrecognized or invalid syntax for the attribute."},
	ResultClass{"no_such_object", KindOperational, ldap.LDAPResultNoSuchObject, "Requested object does not exist", "Indicates the target object cannot be found."},
	ResultClass{"alias_problem", KindOperational, ldap.LDAPResultAliasProblem, "Alias problem", "Indicates that an error occurred when an alias was dereferenced."},
	ResultClass{"invalid_dn_syntax", KindOperational, ldap.LDAPResultInvalidDNSyntax, "Invalid DN syntax", "Indicates that the syntax of the DN is incorrect."},
	ResultClass{"alias_dereferencing", KindServer, ldap.LDAPResultAliasDereferencingProblem, "Alias dereferencing problem",
		"Indicates that during a search operation, either the client does not have access rights to read the aliased object's name or dereferencing is not allowed."},
	ResultClass{"inappropriate_authentication", KindLogin, ldap.LDAPResultInappropriateAuthentication, "Inappropriate authentication method", "Indicates that during a bind operation the client is attempting to use an authentication method that the client cannot use correctly."},
	ResultClass{"invalid_credentials", KindLogin, ldap.LDAPResultInvalidCredentials, "Invalid credentials",
		"Indicates that during a bind operation one of the following occurred: The client passed either an incorrect DN or password," +
			" or the password is incorrect because it has expired, intruder detection has locked the account, or another similar reason."},
	ResultClass{"insufficient_access", KindOperational, ldap.LDAPResultInsufficientAccessRights, "Insufficient access rights", "Indicates that the caller does not have sufficient rights to perform the requested operation."},
	ResultClass{"busy", KindServer, ldap.LDAPResultBusy, "Server is busy", "Indicates that the LDAP server is too busy to process the client request at this time."},
	ResultClass{"unavailable", KindServer, ldap.LDAPResultUnavailable, "Server is unavailable", "Indicates that the LDAP server cannot process the client's bind request, usually because it is shutting down."},
	ResultClass{"unwilling_to_perform", KindServer, ldap.LDAPResultUnwillingToPerform, "Server is unwilling to perform the operation", "Indicates that the LDAP server cannot process the request because of server-defined restrictions."},
	ResultClass{"loop_detect", KindServer, ldap.LDAPResultLoopDetect, "Loop detected", "Indicates that the client discovered an alias or referral loop."},
	ResultClass{"naming_violation", KindOperational, ldap.LDAPResultNamingViolation, "Naming violation", "Indicates that the add or modify DN operation violates the schema's structure rules."},
	ResultClass{"object_class_violation", KindOperational, ldap.LDAPResultObjectClassViolation, "Object class violation", "Indicates that the add, modify, or modify DN operation violates the object class rules for the entry."},
	ResultClass{"non_leaf", KindOperational, ldap.LDAPResultNotAllowedOnNonLeaf, "Operation not allowed on non-leaf entry", "Indicates that the requested operation is permitted only on leaf entries."},
	ResultClass{"rdn", KindOperational, ldap.LDAPResultNotAllowedOnRDN, "Operation not allowed on RDN", "Indicates that the modify operation attempted to remove an attribute value that forms the entry's relative distinguished name."},
	ResultClass{"already_exists", KindOperational, ldap.LDAPResultEntryAlreadyExists, "Entry already exists",
		"Indicates that the add operation attempted to add an entry that already exists, or that the modify DN operation attempted to rename an entry to the name of an entry that already exists."},
	ResultClass{"object_class_mods", KindOperational, ldap.LDAPResultObjectClassModsProhibited, "Object class modifications prohibited", "Indicates that the modify operation attempted to modify the structure rules of an object class."},
	ResultClass{"dsa", KindOperational, ldap.LDAPResultAffectsMultipleDSAs, "Operation affects multiple DSAs", "Indicates that the modify DN operation moves the entry from one LDAP server to another and requires more than one LDAP server."},
	ResultClass{"other", KindServer, ldap.LDAPResultOther, "Unknown server error", "Indicates an unknown error condition."},
	ResultClass{"server_down", KindServer, ldap.LDAPResultServerDown, "Server is down", "Indicates that the LDAP library cannot establish a connection with, or lost the connection to, the LDAP server."},
	ResultClass{"local_error", KindServer, ldap.LDAPResultLocalError, "Local error occurred", "Indicates that an error occurred in the LDAP client."},
	ResultClass{"encoding_error", KindServer, ldap.LDAPResultEncodingError, "Encoding error", "Indicates that the LDAP client encountered errors when encoding a request."},
	ResultClass{"decoding_error", KindServer, ldap.LDAPResultDecodingError, "Decoding error", "Indicates that the LDAP client encountered errors when decoding a response."},
	ResultClass{"timeout", KindServer, ldap.LDAPResultTimeout, "Operation timed out", "Indicates that the time limit of the LDAP client was exceeded while waiting for a result."},
	ResultClass{"auth_unknown", KindLogin, ldap.LDAPResultAuthUnknown, "Unknown authentication method", "Indicates that a bind method was called with an unknown authentication method."},
	ResultClass{"filter_error", KindOperational, ldap.LDAPResultFilterError, "Invalid search filter", "Indicates that the search filter passed to the server was invalid."},
	ResultClass{"user_canceled", KindOperational, ldap.LDAPResultUserCanceled, "User canceled operation", "Indicates that the user cancelled the operation."},
	ResultClass{"param_error", KindOperational, ldap.LDAPResultParamError, "Parameter error", "Indicates that a function was called with invalid parameters."},
	ResultClass{"no_memory", KindServer, ldap.LDAPResultNoMemory, "Out of memory", "Indicates that the client ran out of memory."},
	ResultClass{"connect_error", KindServer, ldap.LDAPResultConnectError, "Connection error", "Indicates that the client cannot establish a connection with the LDAP server."},
	ResultClass{"not_supported", KindOperational, ldap.LDAPResultNotSupported, "Operation not supported", "Indicates that the client requested a feature the server or library does not support."},
	ResultClass{"control_not_found", KindOperational, ldap.LDAPResultControlNotFound, "Control not found", "Indicates that the client requested a control that was not returned by the server."},
	ResultClass{"no_results_returned", KindOperational, ldap.LDAPResultNoResultsReturned, "No results returned", "Indicates that the server returned no results."},
	ResultClass{"more_results_to_return", KindOperational, ldap.LDAPResultMoreResultsToReturn, "More results available", "Indicates that more results are chained in the result message."},
	ResultClass{"client_loop", KindServer, ldap.LDAPResultClientLoop, "Client loop detected", "Indicates the LDAP client detected a loop, for example while following referrals."},
	ResultClass{"referral_limit", KindOperational, ldap.LDAPResultReferralLimitExceeded, "Referral limit exceeded", "Indicates that the referral exceeds the hop limit."},
	ResultClass{"empty_password", KindLogin, ldap.ErrorEmptyPassword, "Empty password not allowed", "Indicates that a simple bind was attempted with a DN and an empty password."},
	ResultClass{"network", KindServer, ldap.ErrorNetwork, "Network error", "Indicates that the connection to the LDAP server failed at the transport level."},
	ResultClass{"filter_compile", KindOperational, ldap.ErrorFilterCompile, "Invalid search filter", "Indicates that the LDAP client could not compile the search filter."},
	ResultClass{"filter_decompile", KindOperational, ldap.ErrorFilterDecompile, "Invalid search filter encoding", "Indicates that the LDAP client could not decode a filter packet."},
	ResultClass{"debugging", KindServer, ldap.ErrorDebugging, "Client debugging error", "Indicates that the LDAP client failed while producing debug output."},
	ResultClass{"unexpected_message", KindServer, ldap.ErrorUnexpectedMessage, "Unexpected message", "Indicates that the LDAP client received a message it did not expect for the request."},
	ResultClass{"unexpected_response", KindServer, ldap.ErrorUnexpectedResponse, "Unexpected response", "Indicates that the LDAP client received a malformed or empty response."},
)

func buildResultClasses(classes ...ResultClass) map[uint16]ResultClass {
	table := make(map[uint16]ResultClass, len(classes))
	for _, c := range classes {
		table[c.Code] = c
	}
	return table
}

// Classify returns the class of an LDAP result code.
//
// The lookup is total: codes without a dedicated entry resolve to the
// server default for client-side and transport codes (80-91 and 112 and
// above) and to the operational default otherwise.
func Classify(code uint16) ResultClass {
	if c, ok := resultClasses[code]; ok {
		return c
	}

	kind := KindOperational
	if (code >= ldap.LDAPResultOther && code <= ldap.LDAPResultConnectError) || code >= 112 {
		kind = KindServer
	}

	return ResultClass{
		Name:        string(kind),
		Kind:        kind,
		Code:        code,
		Message:     fmt.Sprintf("Unknown LDAP error (code %d)", code),
		Description: fmt.Sprintf("Unclassified LDAP result code %d.", code),
	}
}

// Sentinel errors for the leaf classes. They match any *LDAPError with the
// same result code under errors.Is.
var (
	ErrProtocol              = sentinel(ldap.LDAPResultProtocolError)
	ErrSizeLimit             = sentinel(ldap.LDAPResultSizeLimitExceeded)
	ErrStrongAuthRequired    = sentinel(ldap.LDAPResultStrongAuthRequired)
	ErrUndefinedType         = sentinel(ldap.LDAPResultUndefinedAttributeType)
	ErrInappropriateMatching = sentinel(ldap.LDAPResultInappropriateMatching)
	ErrNoSuchObject          = sentinel(ldap.LDAPResultNoSuchObject)
	ErrAliasDereferencing    = sentinel(ldap.LDAPResultAliasDereferencingProblem)
	ErrInvalidCredentials    = sentinel(ldap.LDAPResultInvalidCredentials)
	ErrUnavailable           = sentinel(ldap.LDAPResultUnavailable)
	ErrNonLeaf               = sentinel(ldap.LDAPResultNotAllowedOnNonLeaf)
	ErrRDN                   = sentinel(ldap.LDAPResultNotAllowedOnRDN)
	ErrAlreadyExists         = sentinel(ldap.LDAPResultEntryAlreadyExists)
	ErrObjectClassMods       = sentinel(ldap.LDAPResultObjectClassModsProhibited)
	ErrAffectsMultipleDSAs   = sentinel(ldap.LDAPResultAffectsMultipleDSAs)
)

func sentinel(code uint16) *LDAPError {
	return &LDAPError{Class: Classify(code)}
}

// LDAPError is an error reported by the directory engine.
type LDAPError struct {
	Operation string      // The operation that failed
	Class     ResultClass // Classification of the result code
	ServerMsg string      // Server-provided diagnostic message
	DN        string      // DN involved in the operation (if applicable)
	Retryable bool        // Whether the condition is transient
	Cause     error       // Underlying error
}

func (e *LDAPError) Error() string {
	operation := e.Operation
	if operation == "" {
		operation = "request"
	}

	parts := []string{fmt.Sprintf("LDAP %s failed (code %d)", operation, e.Class.Code)}

	if e.Class.Message != "" {
		parts = append(parts, e.Class.Message)
	}

	if e.ServerMsg != "" && e.ServerMsg != e.Class.Message {
		parts = append(parts, fmt.Sprintf("server: %s", e.ServerMsg))
	}

	if e.DN != "" {
		parts = append(parts, fmt.Sprintf("DN: %s", e.DN))
	}

	return strings.Join(parts, " - ")
}

func (e *LDAPError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *LDAPError carrying the same result code.
func (e *LDAPError) Is(target error) bool {
	t, ok := target.(*LDAPError)
	return ok && t.Class.Code == e.Class.Code
}

func (e *LDAPError) Kind() ErrorKind {
	return e.Class.Kind
}

func (e *LDAPError) IsRetryable() bool {
	return e.Retryable
}

// GetLDAPCode returns the LDAP result code.
func (e *LDAPError) GetLDAPCode() uint16 {
	return e.Class.Code
}

// NewLDAPError creates the error for a failed native call.
func NewLDAPError(operation string, code uint16, cause error) *LDAPError {
	ldapErr := &LDAPError{
		Operation: operation,
		Class:     Classify(code),
		Retryable: isLDAPCodeRetryable(code),
		Cause:     cause,
	}

	var resultErr *ldap.Error
	if errors.As(cause, &resultErr) {
		if resultErr.Err != nil {
			ldapErr.ServerMsg = resultErr.Err.Error()
		}
		ldapErr.DN = resultErr.MatchedDN
	} else if cause != nil {
		ldapErr.ServerMsg = cause.Error()
	}

	return ldapErr
}

// ResultCode extracts the LDAP result code carried by err. Errors that carry
// no code report ldap.ErrorNetwork.
func ResultCode(err error) uint16 {
	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) {
		return ldapErr.Class.Code
	}

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		return resultErr.ResultCode
	}

	return ldap.ErrorNetwork
}

// isLDAPCodeRetryable determines if an LDAP error code indicates a retryable condition.
func isLDAPCodeRetryable(code uint16) bool {
	switch code {
	case ldap.LDAPResultBusy,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultServerDown,
		ldap.LDAPResultTimeLimitExceeded,
		ldap.LDAPResultConnectError,
		ldap.ErrorNetwork:
		return true
	default:
		return false
	}
}

// StateError reports an operation invoked in the wrong connection state.
type StateError struct {
	Operation string
	State     State
	Required  []State
}

func (e *StateError) Error() string {
	required := make([]string, len(e.Required))
	for i, s := range e.Required {
		required[i] = s.String()
	}
	return fmt.Sprintf("cannot %s: connection is %s, requires %s",
		e.Operation, e.State, strings.Join(required, " or "))
}

func (e *StateError) Kind() ErrorKind {
	return KindState
}

// Violation is a single schema violation found in a caller argument.
type Violation struct {
	InstanceLocation string
	Message          string
}

// ValidationError reports malformed caller input. TypeMismatch is set when an
// argument had the wrong Go type rather than the wrong shape.
type ValidationError struct {
	Operation    string
	Message      string
	TypeMismatch bool
	Violations   []Violation
	Cause        error
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	if e.Operation != "" {
		fmt.Fprintf(&b, "invalid %s argument: ", e.Operation)
	} else {
		b.WriteString("invalid argument: ")
	}
	b.WriteString(e.Message)

	for _, v := range e.Violations {
		loc := v.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		fmt.Fprintf(&b, "; %s: %s", loc, v.Message)
	}

	return b.String()
}

func (e *ValidationError) Unwrap() error {
	return e.Cause
}

func (e *ValidationError) Kind() ErrorKind {
	return KindValidation
}

// RetryableError indicates an error that can be retried.
type RetryableError interface {
	error
	IsRetryable() bool
}

type kindedError interface {
	error
	Kind() ErrorKind
}

// KindOf returns the kind of err, or the empty kind for foreign errors.
func KindOf(err error) ErrorKind {
	var k kindedError
	if errors.As(err, &k) {
		return k.Kind()
	}
	return ""
}

// IsStateError checks if an error was raised by a state precondition.
func IsStateError(err error) bool {
	return KindOf(err) == KindState
}

// IsValidationError checks if an error was raised by argument validation.
func IsValidationError(err error) bool {
	return KindOf(err) == KindValidation
}

// IsLoginError checks if an error indicates an authentication problem.
func IsLoginError(err error) bool {
	return KindOf(err) == KindLogin
}

// IsOperationalError checks if the directory rejected the request itself.
func IsOperationalError(err error) bool {
	return KindOf(err) == KindOperational
}

// IsServerError checks if an error indicates a server or transport condition.
func IsServerError(err error) bool {
	return KindOf(err) == KindServer
}

// IsRetryableError checks if an error is retryable.
func IsRetryableError(err error) bool {
	var retryable RetryableError
	if errors.As(err, &retryable) {
		return retryable.IsRetryable()
	}
	return false
}

// IsNotFoundError checks if an error indicates a "not found" condition.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNoSuchObject) || errors.Is(err, sentinel(ldap.LDAPResultNoSuchAttribute))
}

// IsConflictError checks if an error indicates a conflict (already exists).
func IsConflictError(err error) bool {
	return errors.Is(err, ErrAlreadyExists) || errors.Is(err, sentinel(ldap.LDAPResultAttributeOrValueExists))
}

// Package errors provides standardized error types and helpers for tscore.
package errors

import (
	"errors"
	"fmt"
	"io"
)

// Sentinel errors for common cases
var (
	// ErrNotFound indicates a resource was not found
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput indicates invalid input or validation failure
	ErrInvalidInput = errors.New("invalid input")
	// ErrAlreadyExists indicates a resource already exists
	ErrAlreadyExists = errors.New("already exists")
	// ErrInternal indicates an internal system error
	ErrInternal = errors.New("internal error")
	// ErrUnsupported indicates an unsupported operation or format
	ErrUnsupported = errors.New("unsupported")
	// ErrCancelled is the non-error terminal state a cooperatively cancelled
	// conversion run returns; callers check for it with errors.Is rather
	// than treating it as a failure.
	ErrCancelled = errors.New("cancelled")
)

// InvalidHeaderError reports a TopSpeed file whose header does not match
// the format this reader understands. It is always fatal to the run.
type InvalidHeaderError struct {
	Path   string
	Reason string
}

func (e *InvalidHeaderError) Error() string {
	return fmt.Sprintf("invalid header in %s: %s", e.Path, e.Reason)
}

func (e *InvalidHeaderError) Unwrap() error {
	return ErrInvalidInput
}

// CorruptPageError reports a page whose checksum or length failed
// validation. It is never fatal: PageReader skips the page and counts it.
type CorruptPageError struct {
	Path       string
	PageOffset int64
	Reason     string
}

func (e *CorruptPageError) Error() string {
	return fmt.Sprintf("corrupt page at offset %d in %s: %s", e.PageOffset, e.Path, e.Reason)
}

func (e *CorruptPageError) Unwrap() error {
	return ErrInvalidInput
}

// UnexpectedEOFError reports a file that ended before the page index or a
// page body it described could be fully read. It is terminal for the
// iterator that encountered it, but not for the whole run.
type UnexpectedEOFError struct {
	Path   string
	Offset int64
}

func (e *UnexpectedEOFError) Error() string {
	return fmt.Sprintf("unexpected EOF at offset %d in %s", e.Offset, e.Path)
}

func (e *UnexpectedEOFError) Unwrap() error {
	return io.ErrUnexpectedEOF
}

// TableDefParseError reports that a table definition block does not parse
// under the strict layout. tabledef.Parse recovers from it through the
// enhanced and minimal fallbacks.
type TableDefParseError struct {
	TableNumber uint8
	Reason      string
	Err         error
}

func (e *TableDefParseError) Error() string {
	return fmt.Sprintf("table %d: definition parse failed: %s", e.TableNumber, e.Reason)
}

func (e *TableDefParseError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrInvalidInput
}

// RowDecodeError reports that a single record's bytes could not be
// decoded against its TableDef. It carries enough context for the
// ConversionEngine's on_row_error policy to log and skip without the
// caller re-deriving location information.
type RowDecodeError struct {
	TableNumber  uint8
	RecordNumber uint32
	FieldIndex   int
	Raw          []byte
	Reason       string
}

func (e *RowDecodeError) Error() string {
	return fmt.Sprintf("table %d record %d: decode failed at field %d: %s",
		e.TableNumber, e.RecordNumber, e.FieldIndex, e.Reason)
}

func (e *RowDecodeError) Unwrap() error {
	return ErrInvalidInput
}

// ArrayDecodeError reports a failure decoding one element of an array
// field (single-field or multi-field).
type ArrayDecodeError struct {
	TableNumber  uint8
	RecordNumber uint32
	ColumnName   string
	ElementIndex int
	Reason       string
}

func (e *ArrayDecodeError) Error() string {
	return fmt.Sprintf("table %d record %d: array column %s element %d: %s",
		e.TableNumber, e.RecordNumber, e.ColumnName, e.ElementIndex, e.Reason)
}

func (e *ArrayDecodeError) Unwrap() error {
	return ErrInvalidInput
}

// RowEncodeError reports that a SQLite row could not be packed back into a
// TopSpeed-equivalent record layout during a reverse rebuild.
type RowEncodeError struct {
	TableName  string
	ColumnName string
	Reason     string
}

func (e *RowEncodeError) Error() string {
	return fmt.Sprintf("table %s: encode failed at column %s: %s", e.TableName, e.ColumnName, e.Reason)
}

func (e *RowEncodeError) Unwrap() error {
	return ErrInvalidInput
}

// EncodingError reports a code page decoding failure for a text field.
type EncodingError struct {
	CodePage string
	Reason   string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("code page %s: %s", e.CodePage, e.Reason)
}

func (e *EncodingError) Unwrap() error {
	return ErrInvalidInput
}

// SqliteWriteError reports a failed DDL or DML statement against the
// destination SQLite database.
type SqliteWriteError struct {
	Table string
	Stmt  string
	Err   error
}

func (e *SqliteWriteError) Error() string {
	return fmt.Sprintf("sqlite write failed for table %s: %v", e.Table, e.Err)
}

func (e *SqliteWriteError) Unwrap() error {
	return e.Err
}

// MemoryPressureError is returned only when the ResilienceGovernor's
// remediation (batch-size reduction, forced GC) fails to bring RSS back
// under the configured limit. Every other memory-pressure response is
// handled internally and never surfaces as an error.
type MemoryPressureError struct {
	RSSBytes  uint64
	LimitBytes int64
}

func (e *MemoryPressureError) Error() string {
	return fmt.Sprintf("memory pressure: rss %d bytes exceeds limit %d bytes after remediation", e.RSSBytes, e.LimitBytes)
}

func (e *MemoryPressureError) Unwrap() error {
	return ErrInternal
}

// NotFoundError represents a resource not found error with context
type NotFoundError struct {
	Resource string // Type of resource (e.g., "plugin", "artifact", "capsule")
	ID       string // Identifier of the resource
	Err      error  // Underlying error, if any
}

func (e *NotFoundError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

func (e *NotFoundError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrNotFound
}

// ValidationError represents an input validation error with context
type ValidationError struct {
	Field   string // Field name that failed validation
	Value   string // Value that failed validation (may be redacted)
	Message string // Human-readable error message
	Err     error  // Underlying error, if any
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrInvalidInput
}

// IOError represents an I/O operation error with context
type IOError struct {
	Operation string // Operation being performed (e.g., "read", "write", "open")
	Path      string // File/resource path involved
	Err       error  // Underlying error
}

func (e *IOError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("failed to %s %s: %v", e.Operation, e.Path, e.Err)
	}
	return fmt.Sprintf("failed to %s: %v", e.Operation, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// ParseError represents a parsing or deserialization error
type ParseError struct {
	Format  string // Format being parsed (e.g., "JSON", "XML", "manifest")
	Path    string // File path, if applicable
	Message string // Error details
	Err     error  // Underlying error, if any
}

func (e *ParseError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("failed to parse %s at %s: %s", e.Format, e.Path, e.Message)
	}
	return fmt.Sprintf("failed to parse %s: %s", e.Format, e.Message)
}

func (e *ParseError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrInvalidInput
}

// UnsupportedError represents an unsupported feature or format
type UnsupportedError struct {
	Feature string // Feature or format that is unsupported
	Reason  string // Why it's not supported
	Err     error  // Underlying error, if any
}

func (e *UnsupportedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("unsupported %s: %s", e.Feature, e.Reason)
	}
	return fmt.Sprintf("unsupported %s", e.Feature)
}

func (e *UnsupportedError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrUnsupported
}

// Helper functions for creating common errors

// NewNotFound creates a NotFoundError
func NewNotFound(resource, id string) *NotFoundError {
	return &NotFoundError{
		Resource: resource,
		ID:       id,
	}
}

// NewValidation creates a ValidationError
func NewValidation(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// NewIO creates an IOError
func NewIO(operation, path string, err error) *IOError {
	return &IOError{
		Operation: operation,
		Path:      path,
		Err:       err,
	}
}

// NewParse creates a ParseError
func NewParse(format, path, message string) *ParseError {
	return &ParseError{
		Format:  format,
		Path:    path,
		Message: message,
	}
}

// NewUnsupported creates an UnsupportedError
func NewUnsupported(feature, reason string) *UnsupportedError {
	return &UnsupportedError{
		Feature: feature,
		Reason:  reason,
	}
}

// Wrap adds context to an error. If err is nil, returns nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf adds formatted context to an error. If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Is wraps errors.Is for convenience
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As wraps errors.As for convenience
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

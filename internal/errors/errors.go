package errors

import (
	"errors"
	"fmt"
)

var (
	ErrCorruptProgress     = errors.New("corrupt progress record")
	ErrSchemaIntrospection = errors.New("schema introspection failed")
	ErrLockAcquisition     = errors.New("table lock acquisition failed")
	ErrRowRead             = errors.New("row read failed")
	ErrPersistenceWrite    = errors.New("persistence write failed")
	ErrNotFound            = errors.New("object not found")
	ErrUploadFailed        = errors.New("upload failed")
	ErrNotificationFailed  = errors.New("notification failed")
)

// DumpError ties a failure to the dump session and table it happened in.
// Kind is one of the sentinel errors above.
type DumpError struct {
	Kind     error
	DumpName string
	Table    string
	Err      error
}

func (e *DumpError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("dump '%s': %v (table '%s'): %v", e.DumpName, e.Kind, e.Table, e.Err)
	}
	return fmt.Sprintf("dump '%s': %v: %v", e.DumpName, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause so errors.Is matches either.
func (e *DumpError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func NewDumpError(kind error, dumpName, table string, err error) *DumpError {
	return &DumpError{
		Kind:     kind,
		DumpName: dumpName,
		Table:    table,
		Err:      err,
	}
}

type StorageError struct {
	Operation string
	Bucket    string
	Key       string
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed for bucket '%s', key '%s': %v", e.Operation, e.Bucket, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func NewStorageError(op, bucket, key string, err error) *StorageError {
	return &StorageError{
		Operation: op,
		Bucket:    bucket,
		Key:       key,
		Err:       err,
	}
}

type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error for '%s': %s", e.Field, e.Message)
}

func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{
		Field:   field,
		Message: message,
	}
}

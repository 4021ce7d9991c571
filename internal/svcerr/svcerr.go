// Package svcerr defines the error taxonomy shared by every core component.
//
// Kinds are sentinel errors rather than distinct Go types so callers can use
// errors.Is against a stable set, while the wrapper types below carry the
// tenant/resource context that log lines and HTTP mapping need.
package svcerr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// Tenant / catalog
	ErrInvalidTenantId    = errors.New("invalid tenant id")
	ErrMissingTenantConfig = errors.New("missing tenant config")

	// S3 credentials
	ErrMissingS3Credentials    = errors.New("missing s3 credentials")
	ErrMaximumCredentialsLimit = errors.New("maximum credentials limit reached")

	// Database / pool
	ErrDatabaseTimeout = errors.New("database timeout")
	ErrDatabaseError   = errors.New("database error")
	ErrLockTimeout     = errors.New("lock timeout")
	ErrAborted         = errors.New("aborted")

	// Shard ledger
	ErrNoActiveShard          = errors.New("no active shard with capacity")
	ErrReservationNotFound    = errors.New("reservation not found")
	ErrInvalidReservationStatus = errors.New("invalid reservation status")
	ErrExpiredReservation     = errors.New("reservation expired")

	// Migration engine
	ErrInternal = errors.New("internal error")

	// Edge-facing
	ErrFeatureNotEnabled = errors.New("feature not enabled")
	ErrAccessDenied      = errors.New("access denied")
)

// TenantError wraps an error with the tenant id it occurred for.
type TenantError struct {
	TenantID string
	Err      error
}

func (e *TenantError) Error() string { return fmt.Sprintf("tenant %s: %v", e.TenantID, e.Err) }
func (e *TenantError) Unwrap() error { return e.Err }

func NewTenantError(tenantID string, err error) *TenantError {
	return &TenantError{TenantID: tenantID, Err: err}
}

// MigrationError wraps the underlying cause of a failed migration run.
type MigrationError struct {
	TenantID  string
	Migration string
	Err       error
}

func (e *MigrationError) Error() string {
	if e.TenantID == "" {
		return fmt.Sprintf("migration %s: %v", e.Migration, e.Err)
	}
	return fmt.Sprintf("migration %s on tenant %s: %v", e.Migration, e.TenantID, e.Err)
}
func (e *MigrationError) Unwrap() error { return e.Err }

func NewMigrationError(tenantID, migration string, err error) *MigrationError {
	return &MigrationError{TenantID: tenantID, Migration: migration, Err: err}
}

// AggregatedError reports a primary failure alongside a secondary one
// (e.g. a transaction error alongside a failed ROLLBACK).
type AggregatedError struct {
	Primary   error
	Secondary error
}

func (e *AggregatedError) Error() string {
	return fmt.Sprintf("%v (rollback also failed: %v)", e.Primary, e.Secondary)
}
func (e *AggregatedError) Unwrap() error { return e.Primary }

func Aggregate(primary, secondary error) error {
	if secondary == nil {
		return primary
	}
	return &AggregatedError{Primary: primary, Secondary: secondary}
}

// HTTPStatus maps an error kind to the status code the edge should surface,
// per spec §7: auth errors 4xx, capacity/saturation 429/503, everything else 500.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrAccessDenied):
		return http.StatusUnauthorized
	case errors.Is(err, ErrFeatureNotEnabled):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidTenantId), errors.Is(err, ErrMissingTenantConfig),
		errors.Is(err, ErrMissingS3Credentials), errors.Is(err, ErrReservationNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrMaximumCredentialsLimit), errors.Is(err, ErrInvalidReservationStatus),
		errors.Is(err, ErrExpiredReservation):
		return http.StatusConflict
	case errors.Is(err, ErrDatabaseTimeout), errors.Is(err, ErrLockTimeout), errors.Is(err, ErrNoActiveShard):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrAborted):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

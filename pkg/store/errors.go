package store

import (
	"context"
	"errors"
	"net"
	"strings"

	sf "github.com/snowflakedb/gosnowflake"
	"github.com/sony/gobreaker"

	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/models"
)

// Warehouse error numbers this adapter cares about.
const (
	errCompilation    = 1003   // SQL compilation error
	errObjectMissing  = 2003   // object does not exist
	errObjectMissing2 = 2043   // object does not exist or not authorized
	errNoPrivilege    = 3001   // insufficient privileges
	errNoPrivilege2   = 3003   // not authorized
	errStmtTimeout    = 604    // statement reached its timeout
	errSessionExpired = 390114 // authentication token expired
)

// IsTransient reports whether the error is worth retrying: network failures,
// timeouts, warehouse resume, session expiry, and upstream 5xx classes.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var sfErr *sf.SnowflakeError
	if errors.As(err, &sfErr) {
		if sfErr.Number == errSessionExpired {
			return true
		}
		// Driver surfaces HTTP-level failures with 5xx-style numbers or
		// messages; treat those as transient.
		if sfErr.Number >= 500 && sfErr.Number < 600 {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"timeout", "i/o", "connection reset", "connection refused", "resuming", "temporarily unavailable"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// ClassifyError maps a raw warehouse error to the execution taxonomy.
// GatewayErrors pass through unchanged.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	var gw *models.GatewayError
	if errors.As(err, &gw) {
		return gw
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return models.NewGatewayError(models.KindTransport, models.ClassDisconnected,
			"warehouse circuit open")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewGatewayError(models.KindExecution, models.ClassTimeout, err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return models.NewGatewayError(models.KindTransport, models.ClassCancelled, err.Error())
	}

	var sfErr *sf.SnowflakeError
	if errors.As(err, &sfErr) {
		class := models.ClassOther
		switch sfErr.Number {
		case errCompilation:
			class = models.ClassSyntax
		case errObjectMissing, errObjectMissing2:
			class = models.ClassDependency
		case errNoPrivilege, errNoPrivilege2:
			class = models.ClassPrivilege
		case errStmtTimeout:
			class = models.ClassTimeout
		}
		e := models.NewGatewayError(models.KindExecution, class, sfErr.Message)
		e.WithDetail("sql_state", sfErr.SQLState)
		return e
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "syntax"):
		return models.NewGatewayError(models.KindExecution, models.ClassSyntax, err.Error())
	case strings.Contains(msg, "does not exist"):
		return models.NewGatewayError(models.KindExecution, models.ClassDependency, err.Error())
	case strings.Contains(msg, "privilege"), strings.Contains(msg, "not authorized"):
		return models.NewGatewayError(models.KindExecution, models.ClassPrivilege, err.Error())
	case strings.Contains(msg, "timeout"):
		return models.NewGatewayError(models.KindExecution, models.ClassTimeout, err.Error())
	}
	return models.NewGatewayError(models.KindExecution, models.ClassOther, err.Error())
}

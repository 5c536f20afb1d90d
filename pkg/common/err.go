package common

//go:generate msgp

type Err string

const (
	OK                      Err = "OK"
	ErrNoKey                Err = "ErrNoKey"
	ErrACLDeny              Err = "ErrACLDeny"
	ErrInvalidState         Err = "ErrInvalidState"
	ErrBusy                 Err = "ErrBusy"
	ErrObjectNotFound       Err = "ErrObjectNotFound"
	ErrSplitting            Err = "ErrSplitting"
	ErrNotEnoughSecondaries Err = "ErrNotEnoughSecondaries"
	ErrAppFailed            Err = "ErrAppFailed"
	ErrOperationDisabled    Err = "ErrOperationDisabled"
	ErrTimeout              Err = "ErrTimeout"
	ErrClosed               Err = "ErrClosed"
	ErrFailedRPC            Err = "ErrFailedRPC"
)

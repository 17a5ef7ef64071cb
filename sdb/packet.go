package sdb

import "time"

// Reply codes carried on rejections, following the interledger convention
// of final (F), temporary (T) and relative (R) failures.
const (
	CodeBadRequest            = "F00"
	CodeAmountTooLarge        = "F08"
	CodeInternalError         = "T00"
	CodeInsufficientLiquidity = "T04"
	CodeTransferTimedOut      = "R00"
)

// Prepare is a conditional, time-bound instruction to move value.
type Prepare struct {
	Amount      uint64
	ExpiresAt   time.Time
	Destination string
	Data        []byte
}

// Reply is the terminal outcome of a forwarded prepare. It is a closed
// union over Fulfill and Reject.
type Reply interface {
	reply()
}

type Fulfill struct {
	Data []byte
}

type Reject struct {
	Code    string
	Message string
	Data    []byte
}

func (*Fulfill) reply() {}
func (*Reject) reply()  {}

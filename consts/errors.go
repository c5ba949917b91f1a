package consts

import "errors"

var (
	ErrContextNotFound   = errors.New("context not found")
	ErrMailboxNotFound   = errors.New("mailbox not found")
	ErrFolderNotFound    = errors.New("folder not found")
	ErrMessageNotFound   = errors.New("message not found")
	ErrInternalError     = errors.New("internal error")
	ErrNotPermitted      = errors.New("operation not permitted")
	ErrInvalidPassword   = errors.New("invalid password")
	ErrMessageNotSaved   = errors.New("message has not been saved")
	ErrMailboxUnresolved = errors.New("mailbox has not been resolved")
	ErrSessionNotFound   = errors.New("session not found")

	ErrDBNotFound                = errors.New("not found")
	ErrDBUniqueViolation         = errors.New("unique violation")
	ErrDBCommitTransactionFailed = errors.New("commit failed")
	ErrDBBeginTransactionFailed  = errors.New("start transaction failed")

	ErrS3UploadFailed = errors.New("s3 upload failed")
)

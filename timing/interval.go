package timing

import "time"

const (
	JoinRetryInterval = time.Millisecond * 500
	ReadRetryInterval = time.Millisecond * 100
	LockLease         = time.Second * 30
)

const (
	JoinRetryAttempts = 20
	ReadRetryAttempts = 3
	BackupSize        = 4
)

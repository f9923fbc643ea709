package buckets

import (
	"errors"
	"fmt"
)

type ValidationError struct {
	Reason string
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("creation of bucket store failed for reason : %s ", ve.Reason)
}

var (
	ErrNoBucket = errors.New("bucket does not exist")
	ErrNoRecord = errors.New("no record found in bucket")
)

package ddbremote

import (
	"errors"

	"github.com/acksell/portalsync/remote"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// Error codes that will fail the same way on every retry.
var permanentCodes = map[string]bool{
	"ValidationException":                      true,
	"AccessDeniedException":                    true,
	"ResourceNotFoundException":                true,
	"UnrecognizedClientException":              true,
	"ItemCollectionSizeLimitExceededException": true,
	"SerializationException":                   true,
}

// classify maps AWS errors onto the remote package's error taxonomy.
// Anything unrecognized, including throttling and network errors, stays
// transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return errors.Join(remote.ErrAlreadyExists, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && permanentCodes[apiErr.ErrorCode()] {
		return remote.Rejected(err)
	}
	return err
}

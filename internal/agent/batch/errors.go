package batch

import (
	"fmt"
	"net/http"

	errx "github.com/shipflow-core/server/internal/core/error"
)

const (
	codeEmptyBatch    errx.Code = "empty_batch"
	codeNoAffirmation errx.Code = "no_affirmation"
)

var (
	ErrNotFound         = errx.Coded(errx.CodeNotFound, http.StatusNotFound, "That job does not exist.", nil)
	ErrInvalidState     = errx.Coded(errx.CodeInvalidState, http.StatusConflict, "The job is not in a state that allows this action.", nil)
	ErrNotApproved      = errx.Coded(errx.CodeNotApproved, http.StatusBadRequest, "Execution needs explicit approval. Review the preview and confirm first.", nil)
	ErrAlreadyExecuting = errx.Coded(errx.CodeAlreadyExecuting, http.StatusConflict, "This job is already executing.", nil)
	ErrNoAffirmation    = errx.Coded(codeNoAffirmation, http.StatusBadRequest, "Only the user can confirm a job.", nil)
	ErrEmptyBatch       = errx.Coded(codeEmptyBatch, http.StatusBadRequest, "No rows matched, so no job was created.", nil)
	ErrNotConfigured    = errx.Coded(errx.CodeNotConfigured, http.StatusPreconditionFailed, errx.NotConfiguredMessage, nil)
)

func invalidState(b *Batch, action string) error {
	return errx.Coded(errx.CodeInvalidState, http.StatusConflict,
		fmt.Sprintf("Job %q is %s and cannot be %s.", b.Name, b.State, action), nil)
}

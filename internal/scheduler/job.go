package scheduler

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// Job is a scheduled unit of recurring or one-shot work. The handler is a
// registry key resolved at process start, never a serialized code reference,
// so a job record is safe to persist and to read back in another process.
type Job struct {
	ID      string        `json:"id"`
	Handler string        `json:"handler"`
	Args    []string      `json:"args,omitempty"`
	Fire    FireCondition `json:"fire"`
}

func newJob(handler string, args []string, fc FireCondition) Job {
	return Job{
		ID:      "job_" + uuid.NewString(),
		Handler: handler,
		Args:    args,
		Fire:    fc,
	}
}

func (j Job) encode() ([]byte, error) {
	body, err := json.Marshal(j)
	return body, errors.Wrapf(err, "encode job %s", j.ID)
}

func decodeJob(body []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(body, &j); err != nil {
		return Job{}, errors.Wrap(err, "decode job record")
	}
	if j.ID == "" || j.Handler == "" {
		return Job{}, errors.New("scheduler: job record missing id or handler")
	}
	return j, nil
}

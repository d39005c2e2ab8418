package engine

import (
	"fmt"

	"github.com/chmdznr/gallery-uploader/internal/errs"
	"github.com/chmdznr/gallery-uploader/pkg/models"
)

// transitions lists the legal status changes. compressing -> error only
// happens when a session is canceled mid-compression.
var transitions = map[models.Status][]models.Status{
	models.StatusQueued:      {models.StatusCompressing, models.StatusUploading},
	models.StatusCompressing: {models.StatusUploading, models.StatusError},
	models.StatusUploading:   {models.StatusCompleted, models.StatusError},
	models.StatusError:       {models.StatusUploading},
}

func canTransition(from, to models.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transition moves t to status to, recording cause for errors. Callers
// hold e.mu.
func (e *Engine) transition(t *task, to models.Status, cause error) error {
	from := t.Status
	if !canTransition(from, to) {
		err := errs.New("transition", fmt.Errorf("%w: %s -> %s", errs.ErrInvalidTransition, from, to)).WithID(t.ID)
		e.log.Error("rejected status change", "id", t.ID, "file", t.Filename, "from", from, "to", to)
		return err
	}

	t.Status = to
	t.UpdatedAt = e.now()
	switch to {
	case models.StatusUploading:
		t.Err = ""
		t.Progress = 0
		t.sent = 0
	case models.StatusCompleted:
		t.Err = ""
		t.Progress = 100
	case models.StatusError:
		if cause != nil {
			t.Err = cause.Error()
		}
	}
	e.events.publish(Event{Kind: EventTaskUpdated, Task: t.FileTask})
	return nil
}

package tools

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/assistant/internal/domain/actions"
	"github.com/ehr/assistant/internal/domain/clinical"
)

// Deps are the collaborators the built-in tools read and write through.
type Deps struct {
	Chart     clinical.ChartReader
	Worklist  clinical.WorklistReader
	Query     clinical.QueryRunner
	Committer *actions.Committer
}

// NewCatalog registers every built-in tool.
func NewCatalog(deps Deps) (*Registry, error) {
	r := NewRegistry()
	defs := append(worklistTools(deps), chartTools(deps)...)
	defs = append(defs, writeTools(deps)...)
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func decodeArgs(args json.RawMessage, dst interface{}) error {
	if err := json.Unmarshal(args, dst); err != nil {
		return &clinical.ValidationError{Reason: "decode arguments: " + err.Error()}
	}
	return nil
}

func boundPatient(sess Session) (uuid.UUID, error) {
	if sess.PatientID == nil {
		return uuid.Nil, ErrToolNotAllowed
	}
	return *sess.PatientID, nil
}

func countSummary(n int, noun string) string {
	return fmt.Sprintf("%d %s", n, noun)
}

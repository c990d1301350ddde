package services

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/fieldnote-hq/fieldnote/internal/models"
	"github.com/google/uuid"
)

// AnswerStore abstracts persistence operations required by AnswerService.
// Reads run outside a transaction; every write batch runs inside WithinTx.
type AnswerStore interface {
	GetInstance(id int64) (*models.QuestionnaireInstance, error)
	GetQuestionnaire(id int64, version int) (*models.Questionnaire, error)
	CurrentAnswers(instanceID int64) ([]*models.Answer, error)
	AnswerHistory(instanceID int64) ([]*models.Answer, error)
	GetFile(id string) (*models.UserFile, error)
	WithinTx(fn func(tx AnswerTx) error) error
}

// AnswerTx is the transactional slice of the ledger. All methods see the
// uncommitted writes of the same transaction.
type AnswerTx interface {
	MaxVersioning(instanceID, questionID, answerOptionID int64) (int, error)
	CurrentAnswer(instanceID, answerOptionID int64) (*models.Answer, error)
	InsertAnswer(a *models.Answer) error
	DeleteCurrentAnswer(instanceID, answerOptionID int64) error
	// CountValueRefs counts answer rows of any version whose value is the
	// given opaque file id.
	CountValueRefs(value string) (int, error)
	SaveFile(f *models.UserFile) error
	DeleteFile(id string) error
}

// AnswerSubmission mirrors one entry of the inbound answer batch.
type AnswerSubmission struct {
	QuestionID     int64  `json:"question_id"`
	AnswerOptionID int64  `json:"answer_option_id"`
	Value          string `json:"value"`
}

// userFilePayload is the JSON shape a file/image value arrives in before it
// is swapped for an opaque id.
type userFilePayload struct {
	FileName string `json:"file_name"`
	Data     string `json:"data"`
}

// AnswerService is the versioned answer ledger. Every submission appends a
// new row per (question, option); history is never rewritten.
type AnswerService struct {
	store       AnswerStore
	now         func() time.Time
	idGenerator func() string
}

func NewAnswerService(store AnswerStore) *AnswerService {
	return &AnswerService{
		store:       store,
		now:         func() time.Time { return time.Now().UTC() },
		idGenerator: uuid.NewString,
	}
}

// writableStatuses returns the instance statuses during which the caller's
// role may still write answers, or nil when the role never writes.
func writableStatuses(role Role) []models.InstanceStatus {
	switch role {
	case RoleProband:
		return []models.InstanceStatus{models.StatusActive, models.StatusInProgress, models.StatusReleasedOnce}
	case RoleUntersuchungsteam:
		return []models.InstanceStatus{models.StatusActive, models.StatusInProgress, models.StatusReleased}
	}
	return nil
}

// writeGuard loads the instance and checks that the caller may mutate its
// answers right now.
func (s *AnswerService) writeGuard(token AccessToken, instanceID int64) (*models.QuestionnaireInstance, *models.Questionnaire, error) {
	inst, err := s.store.GetInstance(instanceID)
	if err != nil {
		return nil, nil, err
	}
	if inst == nil {
		return nil, nil, NewNotFoundError("questionnaire instance not found")
	}
	q, err := s.store.GetQuestionnaire(inst.QuestionnaireID, inst.QuestionnaireVersion)
	if err != nil {
		return nil, nil, err
	}
	if q == nil {
		return nil, nil, NewNotFoundError("questionnaire not found")
	}
	switch token.Role {
	case RoleProband:
		if q.Type != models.ForProbands || inst.UserID != token.Username {
			return nil, nil, NewNotFoundError("questionnaire instance not found")
		}
	case RoleUntersuchungsteam:
		if q.Type != models.ForResearchTeam || !token.HasStudyAccess(inst.StudyID) {
			return nil, nil, NewNotFoundError("questionnaire instance not found")
		}
	default:
		return nil, nil, NewNotFoundError("questionnaire instance not found")
	}
	for _, st := range writableStatuses(token.Role) {
		if inst.Status == st {
			return inst, q, nil
		}
	}
	return nil, nil, NewWrongStateError("instance status " + string(inst.Status) + " does not allow writing answers")
}

// optionIndex flattens the definition tree for submission validation.
func optionIndex(q *models.Questionnaire) map[int64]*models.AnswerOption {
	idx := make(map[int64]*models.AnswerOption)
	for _, question := range q.Questions {
		for _, opt := range question.AnswerOptions {
			idx[opt.ID] = opt
		}
	}
	return idx
}

// SubmitAnswers stores a batch of answers atomically. Each entry becomes a
// new version row; file/image payloads are persisted as user files and the
// stored value is the opaque file id.
func (s *AnswerService) SubmitAnswers(token AccessToken, instanceID int64, items []AnswerSubmission) ([]*models.Answer, error) {
	if len(items) == 0 {
		return nil, NewInvalidError("answers required")
	}
	inst, q, err := s.writeGuard(token, instanceID)
	if err != nil {
		return nil, err
	}
	options := optionIndex(q)
	for _, item := range items {
		opt, ok := options[item.AnswerOptionID]
		if !ok || opt.QuestionID != item.QuestionID {
			return nil, NewInvalidError("answer option does not belong to the instance's questionnaire")
		}
	}

	stored := make([]*models.Answer, 0, len(items))
	err = s.store.WithinTx(func(tx AnswerTx) error {
		for _, item := range items {
			opt := options[item.AnswerOptionID]
			value := item.Value
			previousValue := ""

			if opt.AnswerType.IsFileType() {
				prev, err := tx.CurrentAnswer(inst.ID, opt.ID)
				if err != nil {
					return err
				}
				if prev != nil {
					previousValue = prev.Value
				}
				value, err = s.encodeFileValue(tx, inst, opt, item.Value)
				if err != nil {
					return err
				}
			}

			max, err := tx.MaxVersioning(inst.ID, item.QuestionID, opt.ID)
			if err != nil {
				return err
			}
			answer := &models.Answer{
				QuestionnaireInstanceID: inst.ID,
				QuestionID:              item.QuestionID,
				AnswerOptionID:          opt.ID,
				Versioning:              max + 1,
				Value:                   value,
			}
			if err := tx.InsertAnswer(answer); err != nil {
				return err
			}

			// A superseded blob is removed only when no row of any
			// version references it anymore. An empty-string value
			// never detaches the previous blob.
			if opt.AnswerType.IsFileType() && previousValue != "" && previousValue != value && item.Value != "" {
				if err := deleteFileIfUnreferenced(tx, previousValue); err != nil {
					return err
				}
			}
			stored = append(stored, answer)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// encodeFileValue persists an inline file payload and returns the opaque id
// to store as the answer value. Values that are not a file payload pass
// through unchanged; resubmitting an existing id is a no-op.
func (s *AnswerService) encodeFileValue(tx AnswerTx, inst *models.QuestionnaireInstance, opt *models.AnswerOption, value string) (string, error) {
	if value == "" {
		return "", nil
	}
	var payload userFilePayload
	if err := json.Unmarshal([]byte(value), &payload); err != nil || payload.Data == "" {
		return value, nil
	}
	if !strings.HasPrefix(payload.Data, "data:") {
		return "", NewInvalidError("file data must be a base64 data URI")
	}
	file := &models.UserFile{
		ID:                      s.idGenerator(),
		UserID:                  inst.UserID,
		QuestionnaireInstanceID: inst.ID,
		AnswerOptionID:          opt.ID,
		FileName:                payload.FileName,
		Data:                    payload.Data,
	}
	if err := tx.SaveFile(file); err != nil {
		return "", err
	}
	return file.ID, nil
}

func deleteFileIfUnreferenced(tx AnswerTx, fileID string) error {
	refs, err := tx.CountValueRefs(fileID)
	if err != nil {
		return err
	}
	if refs > 0 {
		return nil
	}
	return tx.DeleteFile(fileID)
}

// DeleteAnswer hard-deletes the current row for one answer option and its
// blob when no other version references it.
func (s *AnswerService) DeleteAnswer(token AccessToken, instanceID, answerOptionID int64) error {
	inst, q, err := s.writeGuard(token, instanceID)
	if err != nil {
		return err
	}
	options := optionIndex(q)
	opt, ok := options[answerOptionID]
	if !ok {
		return NewInvalidError("answer option does not belong to the instance's questionnaire")
	}
	return s.store.WithinTx(func(tx AnswerTx) error {
		current, err := tx.CurrentAnswer(inst.ID, answerOptionID)
		if err != nil {
			return err
		}
		if current == nil {
			return NewNotFoundError("answer not found")
		}
		if err := tx.DeleteCurrentAnswer(inst.ID, answerOptionID); err != nil {
			return err
		}
		if opt.AnswerType.IsFileType() && current.Value != "" {
			return deleteFileIfUnreferenced(tx, current.Value)
		}
		return nil
	})
}

// readGuard allows the owner and study staff to read an instance's answers.
func (s *AnswerService) readGuard(token AccessToken, instanceID int64) (*models.QuestionnaireInstance, *models.Questionnaire, error) {
	inst, err := s.store.GetInstance(instanceID)
	if err != nil {
		return nil, nil, err
	}
	if inst == nil {
		return nil, nil, NewNotFoundError("questionnaire instance not found")
	}
	q, err := s.store.GetQuestionnaire(inst.QuestionnaireID, inst.QuestionnaireVersion)
	if err != nil {
		return nil, nil, err
	}
	if q == nil {
		return nil, nil, NewNotFoundError("questionnaire not found")
	}
	if err := visibilityGuard(token, inst, q); err != nil {
		return nil, nil, err
	}
	return inst, q, nil
}

// GetAnswers returns the current row per (question, option).
func (s *AnswerService) GetAnswers(token AccessToken, instanceID int64) ([]*models.Answer, error) {
	inst, _, err := s.readGuard(token, instanceID)
	if err != nil {
		return nil, err
	}
	return s.store.CurrentAnswers(inst.ID)
}

// GetAnswersHistorical returns every version ordered by versioning
// ascending. File and image values are resolved to the stored file name.
func (s *AnswerService) GetAnswersHistorical(token AccessToken, instanceID int64) ([]*models.Answer, error) {
	inst, q, err := s.readGuard(token, instanceID)
	if err != nil {
		return nil, err
	}
	answers, err := s.store.AnswerHistory(inst.ID)
	if err != nil {
		return nil, err
	}
	options := optionIndex(q)
	for _, a := range answers {
		opt := options[a.AnswerOptionID]
		if opt == nil || !opt.AnswerType.IsFileType() || a.Value == "" {
			continue
		}
		file, err := s.store.GetFile(a.Value)
		if err != nil {
			return nil, err
		}
		if file != nil {
			a.Value = file.FileName
		}
	}
	return answers, nil
}

// GetFile fetches a stored file payload by its opaque id. Only the owning
// participant and staff of the owning study may read it.
func (s *AnswerService) GetFile(token AccessToken, fileID string) (*models.UserFile, error) {
	file, err := s.store.GetFile(fileID)
	if err != nil {
		return nil, err
	}
	if file == nil {
		return nil, NewNotFoundError("file not found")
	}
	if token.Role == RoleProband {
		if file.UserID != token.Username {
			return nil, NewNotFoundError("file not found")
		}
		return file, nil
	}
	inst, err := s.store.GetInstance(file.QuestionnaireInstanceID)
	if err != nil {
		return nil, err
	}
	if inst == nil || !token.HasStudyAccess(inst.StudyID) {
		return nil, NewNotFoundError("file not found")
	}
	switch token.Role {
	case RoleUntersuchungsteam, RoleForscher:
		return file, nil
	}
	return nil, NewNotFoundError("file not found")
}

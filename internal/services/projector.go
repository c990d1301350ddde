package services

import (
	"time"

	"github.com/fieldnote-hq/fieldnote/internal/models"
)

// ProjectionStore abstracts the read-side persistence required by
// ProjectorService.
type ProjectionStore interface {
	GetInstance(id int64) (*models.QuestionnaireInstance, error)
	GetQuestionnaire(id int64, version int) (*models.Questionnaire, error)
	GetAnswerOption(id int64) (*models.AnswerOption, error)
	CurrentAnswers(instanceID int64) ([]*models.Answer, error)
	// CurrentAnswer returns the max-versioning row for one option, or nil.
	CurrentAnswer(instanceID, answerOptionID int64) (*models.Answer, error)
	// PreviousInstance returns the user's cycle-1 predecessor of the same
	// questionnaire, restricted to released statuses; nil when none exists.
	PreviousInstance(userID string, questionnaireID int64, cycle int) (*models.QuestionnaireInstance, error)
	// LatestReleasedAnswer returns the newest released answer for the
	// target option across the user's instances of the option's
	// questionnaire, released no later than issuedBefore.
	LatestReleasedAnswer(userID string, answerOptionID int64, issuedBefore time.Time) (*models.Answer, error)
}

// InstanceView is the projected read model of one instance: the instance
// fields, the definition tree with inclusion flags, and the current answers
// attached to included leaves. Nodes are never removed on evaluation
// failure; the error travels with the node instead.
type InstanceView struct {
	Instance          *models.QuestionnaireInstance `json:"instance"`
	QuestionnaireName string                        `json:"questionnaire_name"`
	Questions         []*QuestionView               `json:"questions"`
}

type QuestionView struct {
	ID             int64          `json:"id"`
	Text           string         `json:"text"`
	Position       int            `json:"position"`
	Included       bool           `json:"included"`
	ConditionError ConditionError `json:"condition_error,omitempty"`
	AnswerOptions  []*OptionView  `json:"answer_options"`
}

type OptionView struct {
	ID             int64             `json:"id"`
	Text           string            `json:"text"`
	AnswerType     models.AnswerType `json:"answer_type_id"`
	Values         []string          `json:"values,omitempty"`
	ValuesCode     []int             `json:"values_code,omitempty"`
	Position       int               `json:"position"`
	Included       bool              `json:"included"`
	ConditionError ConditionError    `json:"condition_error,omitempty"`
	Value          string            `json:"value,omitempty"`
	Versioning     int               `json:"versioning,omitempty"`
}

// ProjectorService assembles the condition-annotated view served by the
// instance read endpoint. It holds no state between requests; definitions
// are immutable but answers may change between reads.
type ProjectorService struct {
	store ProjectionStore
}

func NewProjectorService(store ProjectionStore) *ProjectorService {
	return &ProjectorService{store: store}
}

// ProjectInstance builds the instance view for the caller, applying the
// same visibility guard as the transition path.
func (s *ProjectorService) ProjectInstance(token AccessToken, id int64) (*InstanceView, error) {
	inst, err := s.store.GetInstance(id)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, NewNotFoundError("questionnaire instance not found")
	}
	q, err := s.store.GetQuestionnaire(inst.QuestionnaireID, inst.QuestionnaireVersion)
	if err != nil {
		return nil, err
	}
	if q == nil {
		return nil, NewNotFoundError("questionnaire not found")
	}
	if err := visibilityGuard(token, inst, q); err != nil {
		return nil, err
	}

	answers, err := s.store.CurrentAnswers(inst.ID)
	if err != nil {
		return nil, err
	}
	answersByOption := make(map[int64]*models.Answer, len(answers))
	for _, a := range answers {
		answersByOption[a.AnswerOptionID] = a
	}

	view := &InstanceView{Instance: inst, QuestionnaireName: q.Name}
	for _, question := range q.Questions {
		qv := &QuestionView{
			ID:       question.ID,
			Text:     question.Text,
			Position: question.Position,
			Included: true,
		}
		qv.Included, qv.ConditionError = s.evaluateStoredCondition(inst, question.Condition)
		for _, opt := range question.AnswerOptions {
			ov := &OptionView{
				ID:         opt.ID,
				Text:       opt.Text,
				AnswerType: opt.AnswerType,
				Values:     opt.Values,
				ValuesCode: opt.ValuesCode,
				Position:   opt.Position,
				Included:   true,
			}
			ov.Included, ov.ConditionError = s.evaluateStoredCondition(inst, opt.Condition)
			if a, ok := answersByOption[opt.ID]; ok {
				ov.Value = a.Value
				ov.Versioning = a.Versioning
			}
			qv.AnswerOptions = append(qv.AnswerOptions, ov)
		}
		view.Questions = append(view.Questions, qv)
	}

	resolveInternalThis(q, view, answersByOption)
	return view, nil
}

// evaluateStoredCondition handles the external and internal_last variants,
// which compare against answers stored outside the projected instance.
// internal_this is resolved in a second pass over the assembled view.
// Unresolvable targets leave the node included and carry the error.
func (s *ProjectorService) evaluateStoredCondition(inst *models.QuestionnaireInstance, cond *models.Condition) (bool, ConditionError) {
	if cond == nil || cond.Type == models.ConditionInternalThis {
		return true, ""
	}
	target, err := s.store.GetAnswerOption(cond.TargetAnswerOptionID)
	if err != nil || target == nil {
		return true, ConditionErrorTargetNotFound
	}

	var answer *models.Answer
	switch cond.Type {
	case models.ConditionInternalLast:
		if inst.Cycle <= 1 {
			// The first cycle has no predecessor; the condition is
			// fulfilled by definition.
			return true, ""
		}
		prev, err := s.store.PreviousInstance(inst.UserID, inst.QuestionnaireID, inst.Cycle)
		if err != nil || prev == nil {
			return true, ConditionErrorTargetNotFound
		}
		answer, err = s.store.CurrentAnswer(prev.ID, target.ID)
		if err != nil {
			return true, ConditionErrorAnswerMissing
		}
	case models.ConditionExternal:
		endOfIssueDay := inst.DateOfIssue.Truncate(24 * time.Hour).Add(24 * time.Hour)
		var lookupErr error
		answer, lookupErr = s.store.LatestReleasedAnswer(inst.UserID, target.ID, endOfIssueDay)
		if lookupErr != nil {
			return true, ConditionErrorAnswerMissing
		}
	default:
		return true, ""
	}
	if answer == nil {
		return true, ConditionErrorAnswerMissing
	}
	value := MapCodedValue(target, answer.Value)
	mapped := *cond
	mapped.Value = MapCodedValue(target, cond.Value)
	return ConditionMet(value, &mapped, target.AnswerType), ""
}

// nodeState tracks internal_this resolution. pending marks a node currently
// on the resolution path; reaching it again means the chain is circular and
// the node can never be displayed.
type nodeState int

const (
	stateYes nodeState = iota + 1
	stateNo
	statePending
)

type internalThisResolver struct {
	answers        map[int64]*models.Answer
	questionViews  map[int64]*QuestionView
	optionViews    map[int64]*OptionView
	optionQuestion map[int64]*models.Question
	optionByID     map[int64]*models.AnswerOption
	questionStates map[int64]nodeState
	optionStates   map[int64]nodeState
}

// resolveInternalThis applies the within-instance conditions on top of the
// already computed inclusion flags. A node whose target is excluded, absent
// from the tree, or part of a circular chain is excluded.
func resolveInternalThis(q *models.Questionnaire, view *InstanceView, answers map[int64]*models.Answer) {
	r := &internalThisResolver{
		answers:        answers,
		questionViews:  make(map[int64]*QuestionView),
		optionViews:    make(map[int64]*OptionView),
		optionQuestion: make(map[int64]*models.Question),
		optionByID:     make(map[int64]*models.AnswerOption),
		questionStates: make(map[int64]nodeState),
		optionStates:   make(map[int64]nodeState),
	}
	for _, qv := range view.Questions {
		r.questionViews[qv.ID] = qv
	}
	for _, question := range q.Questions {
		for _, opt := range question.AnswerOptions {
			r.optionQuestion[opt.ID] = question
			r.optionByID[opt.ID] = opt
		}
	}
	for _, qv := range view.Questions {
		for _, ov := range qv.AnswerOptions {
			r.optionViews[ov.ID] = ov
		}
	}
	for _, question := range q.Questions {
		if r.questionState(question) == stateNo {
			r.questionViews[question.ID].Included = false
		}
		for _, opt := range question.AnswerOptions {
			if r.optionState(opt) == stateNo {
				r.optionViews[opt.ID].Included = false
			}
		}
	}
}

func (r *internalThisResolver) questionState(question *models.Question) nodeState {
	if st, ok := r.questionStates[question.ID]; ok {
		return st
	}
	base := stateYes
	if qv := r.questionViews[question.ID]; qv != nil && !qv.Included {
		base = stateNo
	}
	cond := question.Condition
	if base == stateNo || cond == nil || cond.Type != models.ConditionInternalThis {
		r.questionStates[question.ID] = base
		return base
	}
	r.questionStates[question.ID] = statePending
	st := r.targetState(cond)
	r.questionStates[question.ID] = st
	return st
}

func (r *internalThisResolver) optionState(opt *models.AnswerOption) nodeState {
	if st, ok := r.optionStates[opt.ID]; ok {
		return st
	}
	base := stateYes
	if ov := r.optionViews[opt.ID]; ov != nil && !ov.Included {
		base = stateNo
	}
	cond := opt.Condition
	if base == stateNo || cond == nil || cond.Type != models.ConditionInternalThis {
		r.optionStates[opt.ID] = base
		return base
	}
	r.optionStates[opt.ID] = statePending
	st := r.targetState(cond)
	r.optionStates[opt.ID] = st
	return st
}

// targetState resolves the chain through the condition's target and then
// compares the target's current answer.
func (r *internalThisResolver) targetState(cond *models.Condition) nodeState {
	target := r.optionByID[cond.TargetAnswerOptionID]
	if target == nil {
		return stateNo
	}
	owner := r.optionQuestion[target.ID]
	questionState := r.questionState(owner)
	if questionState == statePending || questionState == stateNo {
		return stateNo
	}
	optionState := r.optionState(target)
	if optionState == statePending || optionState == stateNo {
		return stateNo
	}
	answer := r.answers[target.ID]
	if answer == nil {
		return stateNo
	}
	value := MapCodedValue(target, answer.Value)
	mapped := *cond
	mapped.Value = MapCodedValue(target, cond.Value)
	if ConditionMet(value, &mapped, target.AnswerType) {
		return stateYes
	}
	return stateNo
}

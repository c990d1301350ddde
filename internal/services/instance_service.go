package services

import (
	"time"

	"github.com/fieldnote-hq/fieldnote/internal/models"
)

// InstanceStore abstracts persistence operations required by InstanceService.
type InstanceStore interface {
	GetInstance(id int64) (*models.QuestionnaireInstance, error)
	GetQuestionnaire(id int64, version int) (*models.Questionnaire, error)
	// PatchInstance applies the patch and the release stamps in one
	// transaction. It returns nil when the instance's status no longer
	// matches patch.ExpectStatus at commit time.
	PatchInstance(id int64, patch InstancePatch) (*models.QuestionnaireInstance, error)
	// ListUserInstances returns the user's instances of participant
	// questionnaires, restricted to the given statuses.
	ListUserInstances(userID string, statuses []models.InstanceStatus) ([]*models.QuestionnaireInstance, error)
}

// InstancePatch is the single-transaction write applied by a status or
// progress update. Nil fields are left untouched.
type InstancePatch struct {
	ExpectStatus    models.InstanceStatus
	Status          *models.InstanceStatus
	Progress        *int
	ReleaseVersion  *int
	DateOfIssue     *time.Time
	DateOfReleaseV1 *time.Time
	DateOfReleaseV2 *time.Time

	// StampAnswers marks all current answer rows that have no
	// date_of_release yet with ReleasedAt/ReleasingPerson.
	StampAnswers    bool
	ReleasedAt      time.Time
	ReleasingPerson string
}

// InstanceUpdate mirrors the inbound transition payload.
type InstanceUpdate struct {
	Status         *models.InstanceStatus
	Progress       *int
	ReleaseVersion *int
}

// InstanceService enforces the lifecycle state machine and coordinates
// release stamping.
type InstanceService struct {
	store     InstanceStore
	publisher ReleasePublisher
	now       func() time.Time
}

func NewInstanceService(store InstanceStore, publisher ReleasePublisher) *InstanceService {
	return &InstanceService{
		store:     store,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// probandTransitions is the two-phase protocol driven by the assigned
// participant; teamTransitions is the open-ended protocol driven by study
// staff. There is no path back from a release state to an earlier one.
var probandTransitions = map[models.InstanceStatus][]models.InstanceStatus{
	models.StatusActive:       {models.StatusInProgress, models.StatusReleasedOnce},
	models.StatusInProgress:   {models.StatusInProgress, models.StatusReleasedOnce},
	models.StatusReleasedOnce: {models.StatusReleasedTwice},
}

var teamTransitions = map[models.InstanceStatus][]models.InstanceStatus{
	models.StatusActive:     {models.StatusInProgress, models.StatusReleased},
	models.StatusInProgress: {models.StatusInProgress, models.StatusReleased},
	models.StatusReleased:   {models.StatusReleased},
}

func transitionAllowed(table map[models.InstanceStatus][]models.InstanceStatus, from, to models.InstanceStatus) bool {
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}

// GetInstance loads an instance and applies the caller's visibility guard.
// Missing instances and instances the caller may not see produce the same
// not-found signal.
func (s *InstanceService) GetInstance(token AccessToken, id int64) (*models.QuestionnaireInstance, *models.Questionnaire, error) {
	inst, err := s.store.GetInstance(id)
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

func visibilityGuard(token AccessToken, inst *models.QuestionnaireInstance, q *models.Questionnaire) error {
	hidden := inst.Status == models.StatusInactive ||
		inst.Status == models.StatusExpired ||
		inst.Status == models.StatusDeleted
	switch token.Role {
	case RoleProband:
		if q.Type != models.ForProbands || inst.UserID != token.Username || hidden {
			return NewNotFoundError("questionnaire instance not found")
		}
	case RoleUntersuchungsteam:
		if q.Type != models.ForResearchTeam || !token.HasStudyAccess(inst.StudyID) || hidden {
			return NewNotFoundError("questionnaire instance not found")
		}
	case RoleForscher:
		if !token.HasStudyAccess(inst.StudyID) {
			return NewNotFoundError("questionnaire instance not found")
		}
	default:
		return NewNotFoundError("questionnaire instance not found")
	}
	return nil
}

// ListUserInstances returns the calling participant's own instances,
// restricted to the given statuses. An empty filter defaults to every status
// a participant may see.
func (s *InstanceService) ListUserInstances(token AccessToken, statuses []models.InstanceStatus) ([]*models.QuestionnaireInstance, error) {
	if token.Role != RoleProband {
		return nil, NewForbiddenError("only participants may list their instances")
	}
	if len(statuses) == 0 {
		statuses = []models.InstanceStatus{
			models.StatusActive, models.StatusInProgress,
			models.StatusReleasedOnce, models.StatusReleasedTwice,
		}
	}
	for _, st := range statuses {
		if !models.IsValidStatus(st) {
			return nil, NewInvalidError("unknown status " + string(st))
		}
		if st == models.StatusInactive || st == models.StatusExpired || st == models.StatusDeleted {
			return nil, NewNotFoundError("questionnaire instances not found")
		}
	}
	return s.store.ListUserInstances(token.Username, statuses)
}

// UpdateInstance applies a status and/or progress update. Status changes
// follow the protocol of the instance's questionnaire type; entering a
// release state stamps release metadata on the unreleased current answers in
// the same transaction and publishes a release event after commit.
func (s *InstanceService) UpdateInstance(token AccessToken, id int64, upd InstanceUpdate) (*models.QuestionnaireInstance, error) {
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

	table, err := s.transitionTable(token, inst, q)
	if err != nil {
		return nil, err
	}

	patch := InstancePatch{ExpectStatus: inst.Status, Progress: upd.Progress}
	releaseVersion := 0

	if upd.Status == nil {
		if len(table[inst.Status]) == 0 {
			return nil, NewWrongStateError("instance does not accept updates in status " + string(inst.Status))
		}
	} else {
		target := *upd.Status
		if !models.IsValidStatus(target) {
			return nil, NewInvalidError("unknown status " + string(target))
		}
		if !transitionAllowed(table, inst.Status, target) {
			return nil, NewWrongStateError("transition " + string(inst.Status) + " -> " + string(target) + " is not allowed")
		}
		patch.Status = &target
		now := s.now()

		switch target {
		case models.StatusReleasedOnce:
			releaseVersion = 1
			patch.ReleaseVersion = &releaseVersion
			patch.DateOfReleaseV1 = &now
			if q.CycleUnit == models.CycleSpontan {
				patch.DateOfIssue = &now
			}
		case models.StatusReleasedTwice:
			releaseVersion = 2
			patch.ReleaseVersion = &releaseVersion
			patch.DateOfReleaseV2 = &now
		case models.StatusReleased:
			releaseVersion = inst.ReleaseVersion + 1
			if upd.ReleaseVersion != nil && *upd.ReleaseVersion != releaseVersion {
				return nil, NewConflictError("release_version is out of date")
			}
			patch.ReleaseVersion = &releaseVersion
		}
		if releaseVersion > 0 {
			patch.StampAnswers = true
			patch.ReleasedAt = now
			patch.ReleasingPerson = token.Username
		}
	}

	updated, err := s.store.PatchInstance(id, patch)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, NewConflictError("instance was modified concurrently")
	}

	if releaseVersion > 0 && s.publisher != nil {
		s.publisher.PublishRelease(ReleaseEvent{
			InstanceID:     updated.ID,
			StudyName:      updated.StudyID,
			ReleaseVersion: releaseVersion,
		})
	}
	return updated, nil
}

// transitionTable selects the protocol the caller may drive, or fails with
// the conflated not-found signal when the caller may not drive this instance
// at all.
func (s *InstanceService) transitionTable(token AccessToken, inst *models.QuestionnaireInstance, q *models.Questionnaire) (map[models.InstanceStatus][]models.InstanceStatus, error) {
	switch token.Role {
	case RoleProband:
		if q.Type != models.ForProbands || inst.UserID != token.Username {
			return nil, NewNotFoundError("questionnaire instance not found")
		}
		return probandTransitions, nil
	case RoleUntersuchungsteam:
		if q.Type != models.ForResearchTeam || !token.HasStudyAccess(inst.StudyID) {
			return nil, NewNotFoundError("questionnaire instance not found")
		}
		return teamTransitions, nil
	default:
		return nil, NewNotFoundError("questionnaire instance not found")
	}
}

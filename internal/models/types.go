package models

import "time"

// QuestionnaireType selects the release protocol for all instances of a
// questionnaire: participants drive the two-phase protocol, the research
// team drives the open-ended one.
type QuestionnaireType string

const (
	ForProbands     QuestionnaireType = "for_probands"
	ForResearchTeam QuestionnaireType = "for_research_team"
)

// CycleUnit describes how often the (external) scheduler issues instances.
// Only "spontan" changes behavior inside this service: its date_of_issue is
// re-stamped at the moment of first release.
type CycleUnit string

const (
	CycleOnce    CycleUnit = "once"
	CycleHour    CycleUnit = "hour"
	CycleDay     CycleUnit = "day"
	CycleWeek    CycleUnit = "week"
	CycleMonth   CycleUnit = "month"
	CycleSpontan CycleUnit = "spontan"
)

// Questionnaire is one published version of a questionnaire definition.
// Versions are immutable; a revision creates a new (ID, Version) pair.
type Questionnaire struct {
	ID          int64             `json:"id"`
	Version     int               `json:"version"`
	StudyID     string            `json:"study_id"`
	Name        string            `json:"name"`
	Type        QuestionnaireType `json:"type"`
	CycleUnit   CycleUnit         `json:"cycle_unit"`
	KeepAnswers bool              `json:"keep_answers"`
	Questions   []*Question       `json:"questions,omitempty"`
}

type Question struct {
	ID                   int64           `json:"id"`
	QuestionnaireID      int64           `json:"questionnaire_id"`
	QuestionnaireVersion int             `json:"questionnaire_version"`
	Text                 string          `json:"text"`
	Position             int             `json:"position"`
	Condition            *Condition      `json:"condition,omitempty"`
	AnswerOptions        []*AnswerOption `json:"answer_options,omitempty"`
}

// AnswerType codes are kept numerically compatible with the source schema.
type AnswerType int

const (
	AnswerTypeNone         AnswerType = 0
	AnswerTypeSingleSelect AnswerType = 1
	AnswerTypeMultiSelect  AnswerType = 2
	AnswerTypeNumber       AnswerType = 3
	AnswerTypeText         AnswerType = 4
	AnswerTypeDate         AnswerType = 5
	AnswerTypeSample       AnswerType = 6
	AnswerTypePZN          AnswerType = 7
	AnswerTypeImage        AnswerType = 8
	AnswerTypeDateTime     AnswerType = 9
	AnswerTypeFile         AnswerType = 10
)

// IsFileType reports whether answers of this type carry an opaque file id
// instead of an inline value.
func (t AnswerType) IsFileType() bool {
	return t == AnswerTypeImage || t == AnswerTypeFile
}

// AnswerOption is one answerable leaf of a question. For choice types,
// Values and ValuesCode are parallel arrays; position is the correspondence
// key.
type AnswerOption struct {
	ID         int64      `json:"id"`
	QuestionID int64      `json:"question_id"`
	Text       string     `json:"text"`
	AnswerType AnswerType `json:"answer_type_id"`
	Values     []string   `json:"values,omitempty"`
	ValuesCode []int      `json:"values_code,omitempty"`
	Position   int        `json:"position"`
	Condition  *Condition `json:"condition,omitempty"`
}

// ConditionType discriminates the closed set of condition variants.
type ConditionType string

const (
	// ConditionExternal targets the user's latest released instance of a
	// different questionnaire.
	ConditionExternal ConditionType = "external"
	// ConditionInternalLast targets the previous cycle of the same
	// questionnaire.
	ConditionInternalLast ConditionType = "internal_last"
	// ConditionInternalThis targets another answer option within the same
	// instance.
	ConditionInternalThis ConditionType = "internal_this"
)

type ConditionOperand string

const (
	OperandEquals       ConditionOperand = "=="
	OperandNotEquals    ConditionOperand = "\\="
	OperandLess         ConditionOperand = "<"
	OperandGreater      ConditionOperand = ">"
	OperandLessEqual    ConditionOperand = "<="
	OperandGreaterEqual ConditionOperand = ">="
)

// ConditionLink combines multiple condition values (separated by ';').
type ConditionLink string

const (
	LinkAnd ConditionLink = "AND"
	LinkOr  ConditionLink = "OR"
	LinkXor ConditionLink = "XOR"
)

// Condition gates the visibility of a question or answer option on the
// value of another answer. Resolution failures are recorded on the
// projected view, never raised as request errors.
type Condition struct {
	Type                       ConditionType    `json:"condition_type"`
	TargetAnswerOptionID       int64            `json:"condition_target_answer_option"`
	TargetQuestionnaireID      int64            `json:"condition_target_questionnaire,omitempty"`
	TargetQuestionnaireVersion int              `json:"condition_target_questionnaire_version,omitempty"`
	Operand                    ConditionOperand `json:"condition_operand"`
	Value                      string           `json:"condition_value"`
	Link                       ConditionLink    `json:"condition_link,omitempty"`
}

// InstanceStatus is the lifecycle state of a questionnaire instance.
type InstanceStatus string

const (
	StatusInactive      InstanceStatus = "inactive"
	StatusActive        InstanceStatus = "active"
	StatusInProgress    InstanceStatus = "in_progress"
	StatusReleasedOnce  InstanceStatus = "released_once"
	StatusReleasedTwice InstanceStatus = "released_twice"
	StatusReleased      InstanceStatus = "released"
	StatusExpired       InstanceStatus = "expired"
	StatusDeleted       InstanceStatus = "deleted"
)

// IsValidStatus reports whether s is one of the known lifecycle states.
func IsValidStatus(s InstanceStatus) bool {
	switch s {
	case StatusInactive, StatusActive, StatusInProgress, StatusReleasedOnce,
		StatusReleasedTwice, StatusReleased, StatusExpired, StatusDeleted:
		return true
	}
	return false
}

// IsReleased reports whether s is one of the release states of either
// protocol.
func (s InstanceStatus) IsReleased() bool {
	return s == StatusReleased || s == StatusReleasedOnce || s == StatusReleasedTwice
}

// QuestionnaireInstance is one scheduled occurrence of a questionnaire
// issued to one user. Cycle is the 1-based ordinal among the user's
// instances of the same questionnaire.
type QuestionnaireInstance struct {
	ID                   int64          `json:"id"`
	QuestionnaireID      int64          `json:"questionnaire_id"`
	QuestionnaireVersion int            `json:"questionnaire_version"`
	StudyID              string         `json:"study_id"`
	UserID               string         `json:"user_id"`
	Status               InstanceStatus `json:"status"`
	Progress             int            `json:"progress"`
	ReleaseVersion       int            `json:"release_version"`
	Cycle                int            `json:"cycle"`
	DateOfIssue          time.Time      `json:"date_of_issue"`
	DateOfReleaseV1      *time.Time     `json:"date_of_release_v1"`
	DateOfReleaseV2      *time.Time     `json:"date_of_release_v2"`
}

// Answer is one versioned row of the ledger. The current answer for a
// (instance, question, option) key is the row with the highest Versioning;
// older rows are history.
type Answer struct {
	QuestionnaireInstanceID int64      `json:"questionnaire_instance_id"`
	QuestionID              int64      `json:"question_id"`
	AnswerOptionID          int64      `json:"answer_option_id"`
	Versioning              int        `json:"versioning"`
	Value                   string     `json:"value"`
	DateOfRelease           *time.Time `json:"date_of_release"`
	ReleasingPerson         string     `json:"releasing_person,omitempty"`
}

// UserFile is a stored file/image payload referenced from an answer value
// by its opaque id.
type UserFile struct {
	ID                      string `json:"id"`
	UserID                  string `json:"user_id"`
	QuestionnaireInstanceID int64  `json:"questionnaire_instance_id"`
	AnswerOptionID          int64  `json:"answer_option_id"`
	FileName                string `json:"file_name"`
	Data                    string `json:"file"`
}

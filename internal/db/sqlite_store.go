package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/fieldnote-hq/fieldnote/internal/models"
	"github.com/fieldnote-hq/fieldnote/internal/services"
)

var releasedStatuses = []models.InstanceStatus{
	models.StatusReleased, models.StatusReleasedOnce, models.StatusReleasedTwice,
}

// SQLiteStore is the relational backend behind every service store
// interface. All multi-row writes run inside a single transaction.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("apply sqlite pragma %q: %w", stmt, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func toNullString(s string) sql.NullString {
	if strings.TrimSpace(s) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func encodeJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func encodeCondition(c *models.Condition) (sql.NullString, error) {
	if c == nil {
		return sql.NullString{}, nil
	}
	return encodeJSON(c)
}

func decodeCondition(ns sql.NullString) *models.Condition {
	if !ns.Valid || strings.TrimSpace(ns.String) == "" {
		return nil
	}
	var c models.Condition
	if err := json.Unmarshal([]byte(ns.String), &c); err != nil {
		log.Printf("sqlite store: decode condition: %v", err)
		return nil
	}
	return &c
}

func decodeStringSlice(ns sql.NullString) []string {
	if !ns.Valid || strings.TrimSpace(ns.String) == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		log.Printf("sqlite store: decode values: %v", err)
		return nil
	}
	return out
}

func decodeIntSlice(ns sql.NullString) []int {
	if !ns.Valid || strings.TrimSpace(ns.String) == "" {
		return nil
	}
	var out []int
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		log.Printf("sqlite store: decode values_code: %v", err)
		return nil
	}
	return out
}

func statusPlaceholders(statuses []models.InstanceStatus) (string, []any) {
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		marks[i] = "?"
		args[i] = string(st)
	}
	return strings.Join(marks, ", "), args
}

// --- Definition store ---

// InsertQuestionnaire stores one published definition version with its full
// question/option tree. Definitions are immutable afterwards; a revision
// inserts a new (id, version) pair.
func (s *SQLiteStore) InsertQuestionnaire(q *models.Questionnaire) error {
	if q == nil {
		return errors.New("nil questionnaire")
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	keep := 0
	if q.KeepAnswers {
		keep = 1
	}
	_, err = tx.Exec(
		`INSERT INTO questionnaires (id, version, study_id, name, type, cycle_unit, keep_answers) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.Version, q.StudyID, q.Name, string(q.Type), string(q.CycleUnit), keep,
	)
	if err != nil {
		return err
	}
	for _, question := range q.Questions {
		var cond sql.NullString
		cond, err = encodeCondition(question.Condition)
		if err != nil {
			return err
		}
		_, err = tx.Exec(
			`INSERT INTO questions (id, questionnaire_id, questionnaire_version, text, position, condition_json) VALUES (?, ?, ?, ?, ?, ?)`,
			question.ID, q.ID, q.Version, question.Text, question.Position, cond,
		)
		if err != nil {
			return err
		}
		for _, opt := range question.AnswerOptions {
			var values, codes, optCond sql.NullString
			if values, err = encodeJSON(opt.Values); err != nil {
				return err
			}
			if codes, err = encodeJSON(opt.ValuesCode); err != nil {
				return err
			}
			if optCond, err = encodeCondition(opt.Condition); err != nil {
				return err
			}
			_, err = tx.Exec(
				`INSERT INTO answer_options (id, question_id, text, answer_type_id, values_json, values_code_json, position, condition_json) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				opt.ID, question.ID, opt.Text, int(opt.AnswerType), values, codes, opt.Position, optCond,
			)
			if err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// GetQuestionnaire loads one definition version with its question/option
// tree, or nil when the version does not exist.
func (s *SQLiteStore) GetQuestionnaire(id int64, version int) (*models.Questionnaire, error) {
	row := s.db.QueryRow(
		`SELECT id, version, study_id, name, type, cycle_unit, keep_answers FROM questionnaires WHERE id = ? AND version = ?`,
		id, version,
	)
	var q models.Questionnaire
	var keep int
	err := row.Scan(&q.ID, &q.Version, &q.StudyID, &q.Name, &q.Type, &q.CycleUnit, &keep)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	q.KeepAnswers = keep != 0

	rows, err := s.db.Query(
		`SELECT id, text, position, condition_json FROM questions WHERE questionnaire_id = ? AND questionnaire_version = ? ORDER BY position, id`,
		id, version,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	byID := map[int64]*models.Question{}
	for rows.Next() {
		question := &models.Question{QuestionnaireID: id, QuestionnaireVersion: version}
		var cond sql.NullString
		if err := rows.Scan(&question.ID, &question.Text, &question.Position, &cond); err != nil {
			return nil, err
		}
		question.Condition = decodeCondition(cond)
		q.Questions = append(q.Questions, question)
		byID[question.ID] = question
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	optRows, err := s.db.Query(
		`SELECT o.id, o.question_id, o.text, o.answer_type_id, o.values_json, o.values_code_json, o.position, o.condition_json
		 FROM answer_options o
		 JOIN questions qs ON qs.id = o.question_id
		 WHERE qs.questionnaire_id = ? AND qs.questionnaire_version = ?
		 ORDER BY o.question_id, o.position, o.id`,
		id, version,
	)
	if err != nil {
		return nil, err
	}
	defer optRows.Close()
	for optRows.Next() {
		opt := &models.AnswerOption{}
		var values, codes, cond sql.NullString
		var answerType int
		if err := optRows.Scan(&opt.ID, &opt.QuestionID, &opt.Text, &answerType, &values, &codes, &opt.Position, &cond); err != nil {
			return nil, err
		}
		opt.AnswerType = models.AnswerType(answerType)
		opt.Values = decodeStringSlice(values)
		opt.ValuesCode = decodeIntSlice(codes)
		opt.Condition = decodeCondition(cond)
		if question, ok := byID[opt.QuestionID]; ok {
			question.AnswerOptions = append(question.AnswerOptions, opt)
		}
	}
	if err := optRows.Err(); err != nil {
		return nil, err
	}
	return &q, nil
}

// GetAnswerOption loads a single option by id, or nil when unknown.
func (s *SQLiteStore) GetAnswerOption(id int64) (*models.AnswerOption, error) {
	row := s.db.QueryRow(
		`SELECT id, question_id, text, answer_type_id, values_json, values_code_json, position, condition_json FROM answer_options WHERE id = ?`,
		id,
	)
	opt := &models.AnswerOption{}
	var values, codes, cond sql.NullString
	var answerType int
	err := row.Scan(&opt.ID, &opt.QuestionID, &opt.Text, &answerType, &values, &codes, &opt.Position, &cond)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	opt.AnswerType = models.AnswerType(answerType)
	opt.Values = decodeStringSlice(values)
	opt.ValuesCode = decodeIntSlice(codes)
	opt.Condition = decodeCondition(cond)
	return opt, nil
}

// --- Instance store ---

const instanceColumns = `id, questionnaire_id, questionnaire_version, study_id, user_id, status, progress, release_version, cycle, date_of_issue, date_of_release_v1, date_of_release_v2`

func scanInstance(row interface{ Scan(...any) error }) (*models.QuestionnaireInstance, error) {
	inst := &models.QuestionnaireInstance{}
	var status string
	var v1, v2 sql.NullTime
	err := row.Scan(
		&inst.ID, &inst.QuestionnaireID, &inst.QuestionnaireVersion, &inst.StudyID, &inst.UserID,
		&status, &inst.Progress, &inst.ReleaseVersion, &inst.Cycle, &inst.DateOfIssue, &v1, &v2,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	inst.Status = models.InstanceStatus(status)
	if v1.Valid {
		t := v1.Time
		inst.DateOfReleaseV1 = &t
	}
	if v2.Valid {
		t := v2.Time
		inst.DateOfReleaseV2 = &t
	}
	return inst, nil
}

// InsertInstance stores a freshly scheduled instance and assigns its id.
func (s *SQLiteStore) InsertInstance(inst *models.QuestionnaireInstance) error {
	if inst == nil {
		return errors.New("nil instance")
	}
	res, err := s.db.Exec(
		`INSERT INTO questionnaire_instances (questionnaire_id, questionnaire_version, study_id, user_id, status, progress, release_version, cycle, date_of_issue) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.QuestionnaireID, inst.QuestionnaireVersion, inst.StudyID, inst.UserID,
		string(inst.Status), inst.Progress, inst.ReleaseVersion, inst.Cycle, inst.DateOfIssue,
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	inst.ID = id
	return nil
}

func (s *SQLiteStore) GetInstance(id int64) (*models.QuestionnaireInstance, error) {
	row := s.db.QueryRow(`SELECT `+instanceColumns+` FROM questionnaire_instances WHERE id = ?`, id)
	return scanInstance(row)
}

// PatchInstance applies the patch and the release stamping in one
// transaction. The status guard is re-checked by the UPDATE's WHERE clause;
// zero affected rows means a concurrent writer won and nil is returned.
func (s *SQLiteStore) PatchInstance(id int64, patch services.InstancePatch) (*models.QuestionnaireInstance, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	set := []string{}
	args := []any{}
	if patch.Status != nil {
		set = append(set, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.Progress != nil {
		set = append(set, "progress = ?")
		args = append(args, *patch.Progress)
	}
	if patch.ReleaseVersion != nil {
		set = append(set, "release_version = ?")
		args = append(args, *patch.ReleaseVersion)
	}
	if patch.DateOfIssue != nil {
		set = append(set, "date_of_issue = ?")
		args = append(args, *patch.DateOfIssue)
	}
	if patch.DateOfReleaseV1 != nil {
		set = append(set, "date_of_release_v1 = ?")
		args = append(args, *patch.DateOfReleaseV1)
	}
	if patch.DateOfReleaseV2 != nil {
		set = append(set, "date_of_release_v2 = ?")
		args = append(args, *patch.DateOfReleaseV2)
	}
	if len(set) == 0 {
		set = append(set, "status = status")
	}
	args = append(args, id, string(patch.ExpectStatus))

	var res sql.Result
	res, err = tx.Exec(
		`UPDATE questionnaire_instances SET `+strings.Join(set, ", ")+` WHERE id = ? AND status = ?`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		_ = tx.Rollback()
		return nil, nil
	}

	if patch.StampAnswers {
		_, err = tx.Exec(
			`UPDATE answers SET date_of_release = ?, releasing_person = ?
			 WHERE questionnaire_instance_id = ? AND date_of_release IS NULL
			   AND (answer_option_id, versioning) IN (
			       SELECT answer_option_id, MAX(versioning) FROM answers
			       WHERE questionnaire_instance_id = ? GROUP BY answer_option_id)`,
			patch.ReleasedAt, toNullString(patch.ReleasingPerson), id, id,
		)
		if err != nil {
			return nil, err
		}
	}

	var inst *models.QuestionnaireInstance
	inst, err = scanInstance(tx.QueryRow(`SELECT `+instanceColumns+` FROM questionnaire_instances WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return inst, nil
}

// ListUserInstances returns the user's instances of participant
// questionnaires in the given statuses, oldest issue first.
func (s *SQLiteStore) ListUserInstances(userID string, statuses []models.InstanceStatus) ([]*models.QuestionnaireInstance, error) {
	marks, args := statusPlaceholders(statuses)
	query := `SELECT qi.` + strings.ReplaceAll(instanceColumns, ", ", ", qi.") + `
		 FROM questionnaire_instances qi
		 JOIN questionnaires q ON q.id = qi.questionnaire_id AND q.version = qi.questionnaire_version
		 WHERE qi.user_id = ? AND q.type = ? AND qi.status IN (` + marks + `)
		 ORDER BY qi.date_of_issue, qi.id`
	full := append([]any{userID, string(models.ForProbands)}, args...)
	rows, err := s.db.Query(query, full...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.QuestionnaireInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// PreviousInstance returns the user's released cycle-1 predecessor of the
// given questionnaire, or nil.
func (s *SQLiteStore) PreviousInstance(userID string, questionnaireID int64, cycle int) (*models.QuestionnaireInstance, error) {
	marks, args := statusPlaceholders(releasedStatuses)
	query := `SELECT ` + instanceColumns + ` FROM questionnaire_instances
		 WHERE user_id = ? AND questionnaire_id = ? AND cycle = ? AND status IN (` + marks + `)
		 ORDER BY questionnaire_version DESC LIMIT 1`
	full := append([]any{userID, questionnaireID, cycle - 1}, args...)
	return scanInstance(s.db.QueryRow(query, full...))
}

// --- Answer ledger ---

const answerColumns = `questionnaire_instance_id, question_id, answer_option_id, versioning, value, date_of_release, releasing_person`

func scanAnswer(row interface{ Scan(...any) error }) (*models.Answer, error) {
	a := &models.Answer{}
	var released sql.NullTime
	var person sql.NullString
	err := row.Scan(&a.QuestionnaireInstanceID, &a.QuestionID, &a.AnswerOptionID, &a.Versioning, &a.Value, &released, &person)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if released.Valid {
		t := released.Time
		a.DateOfRelease = &t
	}
	a.ReleasingPerson = person.String
	return a, nil
}

func queryAnswers(q interface {
	Query(string, ...any) (*sql.Rows, error)
}, query string, args ...any) ([]*models.Answer, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Answer
	for rows.Next() {
		a, err := scanAnswer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CurrentAnswers returns the max-versioning row per (question, option).
func (s *SQLiteStore) CurrentAnswers(instanceID int64) ([]*models.Answer, error) {
	return queryAnswers(s.db,
		`SELECT a.`+strings.ReplaceAll(answerColumns, ", ", ", a.")+`
		 FROM answers a
		 JOIN (SELECT answer_option_id, MAX(versioning) AS v FROM answers WHERE questionnaire_instance_id = ? GROUP BY answer_option_id) cur
		   ON cur.answer_option_id = a.answer_option_id AND cur.v = a.versioning
		 WHERE a.questionnaire_instance_id = ?
		 ORDER BY a.question_id, a.answer_option_id`,
		instanceID, instanceID,
	)
}

// AnswerHistory returns every version, versioning ascending per option.
func (s *SQLiteStore) AnswerHistory(instanceID int64) ([]*models.Answer, error) {
	return queryAnswers(s.db,
		`SELECT `+answerColumns+` FROM answers WHERE questionnaire_instance_id = ? ORDER BY question_id, answer_option_id, versioning`,
		instanceID,
	)
}

// CurrentAnswer returns the max-versioning row for one option, or nil.
func (s *SQLiteStore) CurrentAnswer(instanceID, answerOptionID int64) (*models.Answer, error) {
	return scanAnswer(s.db.QueryRow(
		`SELECT `+answerColumns+` FROM answers WHERE questionnaire_instance_id = ? AND answer_option_id = ? ORDER BY versioning DESC LIMIT 1`,
		instanceID, answerOptionID,
	))
}

// LatestReleasedAnswer resolves an external condition target: the current
// answer of the user's most recently released instance containing the
// option, released before the given cutoff.
func (s *SQLiteStore) LatestReleasedAnswer(userID string, answerOptionID int64, issuedBefore time.Time) (*models.Answer, error) {
	marks, args := statusPlaceholders(releasedStatuses)
	query := `SELECT a.` + strings.ReplaceAll(answerColumns, ", ", ", a.") + `
		 FROM answers a
		 JOIN questionnaire_instances qi ON qi.id = a.questionnaire_instance_id
		 WHERE qi.user_id = ? AND a.answer_option_id = ?
		   AND qi.status IN (` + marks + `)
		   AND COALESCE(qi.date_of_release_v2, qi.date_of_release_v1, qi.date_of_issue) < ?
		 ORDER BY COALESCE(qi.date_of_release_v2, qi.date_of_release_v1, qi.date_of_issue) DESC, a.versioning DESC
		 LIMIT 1`
	full := append([]any{userID, answerOptionID}, args...)
	full = append(full, issuedBefore)
	return scanAnswer(s.db.QueryRow(query, full...))
}

func (s *SQLiteStore) GetFile(id string) (*models.UserFile, error) {
	row := s.db.QueryRow(`SELECT id, user_id, questionnaire_instance_id, answer_option_id, file_name, file FROM user_files WHERE id = ?`, id)
	f := &models.UserFile{}
	err := row.Scan(&f.ID, &f.UserID, &f.QuestionnaireInstanceID, &f.AnswerOptionID, &f.FileName, &f.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// WithinTx runs one answer write batch in a transaction.
func (s *SQLiteStore) WithinTx(fn func(tx services.AnswerTx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(&answerTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type answerTx struct {
	tx *sql.Tx
}

func (t *answerTx) MaxVersioning(instanceID, questionID, answerOptionID int64) (int, error) {
	var max int
	row := t.tx.QueryRow(
		`SELECT COALESCE(MAX(versioning), 0) FROM answers WHERE questionnaire_instance_id = ? AND question_id = ? AND answer_option_id = ?`,
		instanceID, questionID, answerOptionID,
	)
	if err := row.Scan(&max); err != nil {
		return 0, err
	}
	return max, nil
}

func (t *answerTx) CurrentAnswer(instanceID, answerOptionID int64) (*models.Answer, error) {
	return scanAnswer(t.tx.QueryRow(
		`SELECT `+answerColumns+` FROM answers WHERE questionnaire_instance_id = ? AND answer_option_id = ? ORDER BY versioning DESC LIMIT 1`,
		instanceID, answerOptionID,
	))
}

func (t *answerTx) InsertAnswer(a *models.Answer) error {
	var released sql.NullTime
	if a.DateOfRelease != nil {
		released = sql.NullTime{Time: *a.DateOfRelease, Valid: true}
	}
	_, err := t.tx.Exec(
		`INSERT INTO answers (`+answerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.QuestionnaireInstanceID, a.QuestionID, a.AnswerOptionID, a.Versioning, a.Value, released, toNullString(a.ReleasingPerson),
	)
	return err
}

func (t *answerTx) DeleteCurrentAnswer(instanceID, answerOptionID int64) error {
	_, err := t.tx.Exec(
		`DELETE FROM answers WHERE questionnaire_instance_id = ? AND answer_option_id = ?
		   AND versioning = (SELECT MAX(versioning) FROM answers WHERE questionnaire_instance_id = ? AND answer_option_id = ?)`,
		instanceID, answerOptionID, instanceID, answerOptionID,
	)
	return err
}

func (t *answerTx) CountValueRefs(value string) (int, error) {
	var n int
	if err := t.tx.QueryRow(`SELECT COUNT(*) FROM answers WHERE value = ?`, value).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (t *answerTx) SaveFile(f *models.UserFile) error {
	_, err := t.tx.Exec(
		`INSERT INTO user_files (id, user_id, questionnaire_instance_id, answer_option_id, file_name, file) VALUES (?, ?, ?, ?, ?, ?)`,
		f.ID, f.UserID, f.QuestionnaireInstanceID, f.AnswerOptionID, f.FileName, f.Data,
	)
	return err
}

func (t *answerTx) DeleteFile(id string) error {
	_, err := t.tx.Exec(`DELETE FROM user_files WHERE id = ?`, id)
	return err
}

package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/fieldnote-hq/fieldnote/internal/middleware"
	"github.com/fieldnote-hq/fieldnote/internal/models"
	"github.com/fieldnote-hq/fieldnote/internal/services"
)

// memoryStore backs the full service stack for handler tests. It implements
// the instance, answer, and projection store interfaces.
type memoryStore struct {
	instance      *models.QuestionnaireInstance
	questionnaire *models.Questionnaire
	answers       []*models.Answer
	files         map[string]*models.UserFile
}

func (s *memoryStore) GetInstance(id int64) (*models.QuestionnaireInstance, error) {
	if s.instance != nil && s.instance.ID == id {
		cp := *s.instance
		return &cp, nil
	}
	return nil, nil
}

func (s *memoryStore) GetQuestionnaire(id int64, version int) (*models.Questionnaire, error) {
	if s.questionnaire != nil && s.questionnaire.ID == id && s.questionnaire.Version == version {
		return s.questionnaire, nil
	}
	return nil, nil
}

func (s *memoryStore) GetAnswerOption(id int64) (*models.AnswerOption, error) {
	if s.questionnaire == nil {
		return nil, nil
	}
	for _, q := range s.questionnaire.Questions {
		for _, opt := range q.AnswerOptions {
			if opt.ID == id {
				return opt, nil
			}
		}
	}
	return nil, nil
}

func (s *memoryStore) PatchInstance(id int64, patch services.InstancePatch) (*models.QuestionnaireInstance, error) {
	if s.instance == nil || s.instance.ID != id || s.instance.Status != patch.ExpectStatus {
		return nil, nil
	}
	if patch.Status != nil {
		s.instance.Status = *patch.Status
	}
	if patch.Progress != nil {
		s.instance.Progress = *patch.Progress
	}
	if patch.ReleaseVersion != nil {
		s.instance.ReleaseVersion = *patch.ReleaseVersion
	}
	if patch.DateOfIssue != nil {
		s.instance.DateOfIssue = *patch.DateOfIssue
	}
	if patch.DateOfReleaseV1 != nil {
		s.instance.DateOfReleaseV1 = patch.DateOfReleaseV1
	}
	if patch.DateOfReleaseV2 != nil {
		s.instance.DateOfReleaseV2 = patch.DateOfReleaseV2
	}
	if patch.StampAnswers {
		for _, a := range s.answers {
			if a.DateOfRelease == nil {
				released := patch.ReleasedAt
				a.DateOfRelease = &released
				a.ReleasingPerson = patch.ReleasingPerson
			}
		}
	}
	cp := *s.instance
	return &cp, nil
}

func (s *memoryStore) ListUserInstances(userID string, statuses []models.InstanceStatus) ([]*models.QuestionnaireInstance, error) {
	if s.instance == nil || s.instance.UserID != userID {
		return nil, nil
	}
	for _, st := range statuses {
		if s.instance.Status == st {
			cp := *s.instance
			return []*models.QuestionnaireInstance{&cp}, nil
		}
	}
	return nil, nil
}

func (s *memoryStore) PreviousInstance(userID string, questionnaireID int64, cycle int) (*models.QuestionnaireInstance, error) {
	return nil, nil
}

func (s *memoryStore) LatestReleasedAnswer(userID string, answerOptionID int64, issuedBefore time.Time) (*models.Answer, error) {
	return nil, nil
}

func (s *memoryStore) CurrentAnswers(instanceID int64) ([]*models.Answer, error) {
	current := map[int64]*models.Answer{}
	for _, a := range s.answers {
		if a.QuestionnaireInstanceID != instanceID {
			continue
		}
		if cur, ok := current[a.AnswerOptionID]; !ok || a.Versioning > cur.Versioning {
			current[a.AnswerOptionID] = a
		}
	}
	out := make([]*models.Answer, 0, len(current))
	for _, a := range current {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AnswerOptionID < out[j].AnswerOptionID })
	return out, nil
}

func (s *memoryStore) CurrentAnswer(instanceID, answerOptionID int64) (*models.Answer, error) {
	var cur *models.Answer
	for _, a := range s.answers {
		if a.QuestionnaireInstanceID == instanceID && a.AnswerOptionID == answerOptionID {
			if cur == nil || a.Versioning > cur.Versioning {
				cur = a
			}
		}
	}
	if cur == nil {
		return nil, nil
	}
	cp := *cur
	return &cp, nil
}

func (s *memoryStore) AnswerHistory(instanceID int64) ([]*models.Answer, error) {
	out := []*models.Answer{}
	for _, a := range s.answers {
		if a.QuestionnaireInstanceID == instanceID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AnswerOptionID != out[j].AnswerOptionID {
			return out[i].AnswerOptionID < out[j].AnswerOptionID
		}
		return out[i].Versioning < out[j].Versioning
	})
	return out, nil
}

func (s *memoryStore) GetFile(id string) (*models.UserFile, error) {
	if f, ok := s.files[id]; ok {
		return f, nil
	}
	return nil, nil
}

func (s *memoryStore) WithinTx(fn func(tx services.AnswerTx) error) error {
	return fn(&memoryTx{store: s})
}

type memoryTx struct {
	store *memoryStore
}

func (t *memoryTx) MaxVersioning(instanceID, questionID, answerOptionID int64) (int, error) {
	max := 0
	for _, a := range t.store.answers {
		if a.QuestionnaireInstanceID == instanceID && a.QuestionID == questionID && a.AnswerOptionID == answerOptionID && a.Versioning > max {
			max = a.Versioning
		}
	}
	return max, nil
}

func (t *memoryTx) CurrentAnswer(instanceID, answerOptionID int64) (*models.Answer, error) {
	return t.store.CurrentAnswer(instanceID, answerOptionID)
}

func (t *memoryTx) InsertAnswer(a *models.Answer) error {
	cp := *a
	t.store.answers = append(t.store.answers, &cp)
	return nil
}

func (t *memoryTx) DeleteCurrentAnswer(instanceID, answerOptionID int64) error {
	cur, _ := t.store.CurrentAnswer(instanceID, answerOptionID)
	if cur == nil {
		return nil
	}
	kept := t.store.answers[:0]
	for _, a := range t.store.answers {
		if a.QuestionnaireInstanceID == instanceID && a.AnswerOptionID == answerOptionID && a.Versioning == cur.Versioning {
			continue
		}
		kept = append(kept, a)
	}
	t.store.answers = kept
	return nil
}

func (t *memoryTx) CountValueRefs(value string) (int, error) {
	n := 0
	for _, a := range t.store.answers {
		if a.Value == value {
			n++
		}
	}
	return n, nil
}

func (t *memoryTx) SaveFile(f *models.UserFile) error {
	if t.store.files == nil {
		t.store.files = map[string]*models.UserFile{}
	}
	cp := *f
	t.store.files[f.ID] = &cp
	return nil
}

func (t *memoryTx) DeleteFile(id string) error {
	delete(t.store.files, id)
	return nil
}

func testStore() *memoryStore {
	return &memoryStore{
		instance: &models.QuestionnaireInstance{
			ID: 1, QuestionnaireID: 10, QuestionnaireVersion: 1,
			StudyID: "Study-A", UserID: "alice", Status: models.StatusActive,
			Cycle: 1, DateOfIssue: time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC),
		},
		questionnaire: &models.Questionnaire{
			ID: 10, Version: 1, StudyID: "Study-A", Name: "Weekly Symptoms", Type: models.ForProbands,
			Questions: []*models.Question{
				{
					ID: 100, Text: "How do you feel?", Position: 1,
					AnswerOptions: []*models.AnswerOption{
						{ID: 1000, QuestionID: 100, AnswerType: models.AnswerTypeSingleSelect, Values: []string{"Ja", "Nein"}, ValuesCode: []int{1, 0}},
					},
				},
			},
		},
	}
}

func newTestServer(t *testing.T, store *memoryStore) (*httptest.Server, *middleware.Auth) {
	t.Helper()
	auth := middleware.NewAuth("test-secret")
	mux := http.NewServeMux()
	NewRouter(
		services.NewInstanceService(store, nil),
		services.NewAnswerService(store),
		services.NewProjectorService(store),
	).Register(mux)
	srv := httptest.NewServer(auth.WithAuth(mux))
	t.Cleanup(srv.Close)
	return srv, auth
}

func doRequest(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func signToken(t *testing.T, auth *middleware.Auth, username, role string, studies []string) string {
	t.Helper()
	tok, err := auth.SignToken(username, role, studies, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func TestRequestsWithoutTokenAreUnauthorized(t *testing.T) {
	srv, _ := newTestServer(t, testStore())

	resp := doRequest(t, http.MethodGet, srv.URL+"/api/questionnaireInstances/1", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	// A token signed with a different secret does not authenticate.
	foreign := middleware.NewAuth("other-secret")
	tok, err := foreign.SignToken("alice", "Proband", nil, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	resp = doRequest(t, http.MethodGet, srv.URL+"/api/questionnaireInstances/1", tok, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for foreign signature", resp.StatusCode)
	}
}

func TestInstanceLifecycleOverHTTP(t *testing.T) {
	store := testStore()
	srv, auth := newTestServer(t, store)
	tok := signToken(t, auth, "alice", "Proband", nil)
	base := srv.URL + "/api/questionnaireInstances/1"

	resp := doRequest(t, http.MethodPut, base, tok, map[string]any{"status": "in_progress", "progress": 15})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("transition status = %d, want 200", resp.StatusCode)
	}
	var inst models.QuestionnaireInstance
	if err := json.NewDecoder(resp.Body).Decode(&inst); err != nil {
		t.Fatalf("decode instance: %v", err)
	}
	if inst.Status != models.StatusInProgress || inst.Progress != 15 {
		t.Fatalf("instance = %s/%d, want in_progress/15", inst.Status, inst.Progress)
	}

	resp = doRequest(t, http.MethodPut, base, tok, map[string]any{"status": "released_once"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("release status = %d, want 200", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&inst); err != nil {
		t.Fatalf("decode instance: %v", err)
	}
	if inst.ReleaseVersion != 1 || inst.DateOfReleaseV1 == nil {
		t.Fatalf("release not stamped: %+v", inst)
	}

	resp = doRequest(t, http.MethodPut, base, tok, map[string]any{"status": "bogus"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bogus status = %d, want 400", resp.StatusCode)
	}

	// Guard failures collapse into 404.
	other := signToken(t, auth, "mallory", "Proband", nil)
	resp = doRequest(t, http.MethodPut, base, other, map[string]any{"status": "in_progress"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign transition = %d, want 404", resp.StatusCode)
	}
}

func TestAnswerRoundTripOverHTTP(t *testing.T) {
	store := testStore()
	srv, auth := newTestServer(t, store)
	tok := signToken(t, auth, "alice", "Proband", nil)
	base := srv.URL + "/api/questionnaireInstances/1"

	resp := doRequest(t, http.MethodPost, base+"/answers", tok, map[string]any{
		"answers": []map[string]any{
			{"question_id": 100, "answer_option_id": 1000, "value": "Ja"},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		Answers []*models.Answer `json:"answers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode answers: %v", err)
	}
	if len(out.Answers) != 1 || out.Answers[0].Versioning != 1 {
		t.Fatalf("submitted answers = %+v, want one v1 row", out.Answers)
	}

	resp = doRequest(t, http.MethodGet, base+"/answers", tok, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("read status = %d, want 200", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode answers: %v", err)
	}
	if len(out.Answers) != 1 || out.Answers[0].Value != "Ja" {
		t.Fatalf("current answers = %+v", out.Answers)
	}

	resp = doRequest(t, http.MethodDelete, fmt.Sprintf("%s/answers/%d", base, 1000), tok, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}

	resp = doRequest(t, http.MethodGet, base+"/answersHistorical", tok, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d, want 200", resp.StatusCode)
	}
}

func TestProjectedInstanceOverHTTP(t *testing.T) {
	store := testStore()
	store.answers = []*models.Answer{
		{QuestionnaireInstanceID: 1, QuestionID: 100, AnswerOptionID: 1000, Versioning: 1, Value: "Ja"},
	}
	srv, auth := newTestServer(t, store)
	tok := signToken(t, auth, "alice", "Proband", nil)

	resp := doRequest(t, http.MethodGet, srv.URL+"/api/questionnaireInstances/1", tok, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var view services.InstanceView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.QuestionnaireName != "Weekly Symptoms" {
		t.Fatalf("questionnaire name = %q", view.QuestionnaireName)
	}
	if len(view.Questions) != 1 || view.Questions[0].AnswerOptions[0].Value != "Ja" {
		t.Fatalf("projected answers missing: %+v", view.Questions)
	}
}

func TestUserInstanceListOverHTTP(t *testing.T) {
	store := testStore()
	store.instance.Status = models.StatusInProgress
	srv, auth := newTestServer(t, store)
	tok := signToken(t, auth, "alice", "Proband", nil)

	resp := doRequest(t, http.MethodGet, srv.URL+"/api/user/questionnaireInstances?status=in_progress", tok, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		Instances []*models.QuestionnaireInstance `json:"questionnaireInstances"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(out.Instances) != 1 {
		t.Fatalf("instances = %d, want 1", len(out.Instances))
	}

	resp = doRequest(t, http.MethodGet, srv.URL+"/api/user/questionnaireInstances?status=released_twice", tok, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(out.Instances) != 0 {
		t.Fatalf("instances = %d, want 0", len(out.Instances))
	}
}

func TestFileFetchOverHTTP(t *testing.T) {
	store := testStore()
	store.files = map[string]*models.UserFile{
		"f-1": {ID: "f-1", UserID: "alice", QuestionnaireInstanceID: 1, AnswerOptionID: 1000, FileName: "rash.png", Data: "data:image/png;base64,aGk="},
	}
	srv, auth := newTestServer(t, store)

	tok := signToken(t, auth, "alice", "Proband", nil)
	resp := doRequest(t, http.MethodGet, srv.URL+"/api/files/f-1", tok, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("owner fetch = %d, want 200", resp.StatusCode)
	}
	var file models.UserFile
	if err := json.NewDecoder(resp.Body).Decode(&file); err != nil {
		t.Fatalf("decode file: %v", err)
	}
	if file.FileName != "rash.png" {
		t.Fatalf("file name = %q", file.FileName)
	}

	other := signToken(t, auth, "mallory", "Proband", nil)
	resp = doRequest(t, http.MethodGet, srv.URL+"/api/files/f-1", other, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign fetch = %d, want 404", resp.StatusCode)
	}
}

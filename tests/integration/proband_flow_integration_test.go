//go:build integration

package integration_test

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fieldnote-hq/fieldnote/internal/api"
	dbstore "github.com/fieldnote-hq/fieldnote/internal/db"
	"github.com/fieldnote-hq/fieldnote/internal/middleware"
	"github.com/fieldnote-hq/fieldnote/internal/models"
	"github.com/fieldnote-hq/fieldnote/internal/services"
)

// startServer boots the full stack against a throwaway sqlite file and seeds
// one questionnaire with a scheduled instance for proband "alice".
func startServer(t *testing.T) (*httptest.Server, *middleware.Auth, int64) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?cache=shared&_busy_timeout=5000", filepath.ToSlash(filepath.Join(t.TempDir(), "test.db")))
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := dbstore.RunMigrations(sqlDB, ""); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	store, err := dbstore.NewSQLiteStore(sqlDB)
	if err != nil {
		t.Fatalf("init store: %v", err)
	}

	questionnaire := &models.Questionnaire{
		ID: 1, Version: 1, StudyID: "Study-A", Name: "Daily Check-in", Type: models.ForProbands,
		Questions: []*models.Question{
			{
				ID: 10, Text: "Any symptoms today?", Position: 1,
				AnswerOptions: []*models.AnswerOption{
					{ID: 100, QuestionID: 10, AnswerType: models.AnswerTypeSingleSelect, Values: []string{"Ja", "Nein"}, ValuesCode: []int{1, 0}, Position: 1},
				},
			},
		},
	}
	if err := store.InsertQuestionnaire(questionnaire); err != nil {
		t.Fatalf("seed questionnaire: %v", err)
	}
	inst := &models.QuestionnaireInstance{
		QuestionnaireID: 1, QuestionnaireVersion: 1,
		StudyID: "Study-A", UserID: "alice", Status: models.StatusActive,
		Cycle: 1, DateOfIssue: time.Now().UTC(),
	}
	if err := store.InsertInstance(inst); err != nil {
		t.Fatalf("seed instance: %v", err)
	}

	mux := http.NewServeMux()
	api.NewRouter(
		services.NewInstanceService(store, services.LogReleasePublisher{}),
		services.NewAnswerService(store),
		services.NewProjectorService(store),
	).Register(mux)

	auth := middleware.NewAuth("integration-secret")
	srv := httptest.NewServer(middleware.SecureHeaders(middleware.NoStore(middleware.CORS(auth.WithAuth(mux)))))
	t.Cleanup(srv.Close)
	return srv, auth, inst.ID
}

func TestProbandJourneyIntegration(t *testing.T) {
	srv, auth, instanceID := startServer(t)
	token, err := auth.SignToken("alice", "Proband", nil, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	base := fmt.Sprintf("%s/api/questionnaireInstances/%d", srv.URL, instanceID)
	client := &http.Client{Timeout: 5 * time.Second}

	// The instance shows up in the proband's worklist.
	var list struct {
		Instances []*models.QuestionnaireInstance `json:"questionnaireInstances"`
	}
	doJSON(t, client, http.MethodGet, srv.URL+"/api/user/questionnaireInstances", token, nil, &list)
	if len(list.Instances) != 1 || list.Instances[0].ID != instanceID {
		t.Fatalf("worklist = %+v", list.Instances)
	}

	// Start filling it in.
	var inst models.QuestionnaireInstance
	doJSON(t, client, http.MethodPut, base, token, map[string]any{"status": "in_progress", "progress": 50}, &inst)
	if inst.Status != models.StatusInProgress {
		t.Fatalf("status = %s, want in_progress", inst.Status)
	}

	var answers struct {
		Answers []*models.Answer `json:"answers"`
	}
	doJSON(t, client, http.MethodPost, base+"/answers", token, map[string]any{
		"answers": []map[string]any{{"question_id": 10, "answer_option_id": 100, "value": "Ja"}},
	}, &answers)
	if len(answers.Answers) != 1 || answers.Answers[0].Versioning != 1 {
		t.Fatalf("submitted = %+v", answers.Answers)
	}

	// Correct the answer; the ledger keeps both versions.
	doJSON(t, client, http.MethodPost, base+"/answers", token, map[string]any{
		"answers": []map[string]any{{"question_id": 10, "answer_option_id": 100, "value": "Nein"}},
	}, &answers)
	if answers.Answers[0].Versioning != 2 {
		t.Fatalf("versioning = %d, want 2", answers.Answers[0].Versioning)
	}
	doJSON(t, client, http.MethodGet, base+"/answersHistorical", token, nil, &answers)
	if len(answers.Answers) != 2 {
		t.Fatalf("history rows = %d, want 2", len(answers.Answers))
	}

	// First release stamps version 1 and the release date.
	doJSON(t, client, http.MethodPut, base, token, map[string]any{"status": "released_once"}, &inst)
	if inst.ReleaseVersion != 1 || inst.DateOfReleaseV1 == nil {
		t.Fatalf("first release not stamped: %+v", inst)
	}
	doJSON(t, client, http.MethodGet, base+"/answers", token, nil, &answers)
	if len(answers.Answers) != 1 || answers.Answers[0].DateOfRelease == nil {
		t.Fatalf("current answer not release-stamped: %+v", answers.Answers)
	}

	// Second release closes the instance for the proband.
	doJSON(t, client, http.MethodPut, base, token, map[string]any{"status": "released_twice"}, &inst)
	if inst.ReleaseVersion != 2 || inst.DateOfReleaseV2 == nil {
		t.Fatalf("second release not stamped: %+v", inst)
	}

	// No further writes after the final release.
	resp := rawRequest(t, client, http.MethodPost, base+"/answers", token, map[string]any{
		"answers": []map[string]any{{"question_id": 10, "answer_option_id": 100, "value": "Ja"}},
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("post-release write = %d, want 404", resp.StatusCode)
	}

	// A researcher in the study can read the released answers.
	forscher, err := auth.SignToken("dr.bob", "Forscher", []string{"Study-A"}, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	doJSON(t, client, http.MethodGet, base+"/answers", forscher, nil, &answers)
	if len(answers.Answers) != 1 || answers.Answers[0].Value != "Nein" {
		t.Fatalf("researcher view = %+v", answers.Answers)
	}
}

func doJSON(t *testing.T, client *http.Client, method, url, token string, body, out any) {
	t.Helper()
	resp := rawRequest(t, client, method, url, token, body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		t.Fatalf("unexpected status %d for %s %s: %s", resp.StatusCode, method, url, string(data))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			t.Fatalf("decode response from %s: %v", url, err)
		}
	}
}

func rawRequest(t *testing.T, client *http.Client, method, url, token string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

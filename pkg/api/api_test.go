package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/escrowd/escrowd/pkg/auth"
	"github.com/escrowd/escrowd/pkg/config"
	"github.com/escrowd/escrowd/pkg/fsm"
	"github.com/escrowd/escrowd/pkg/log"
	"github.com/escrowd/escrowd/pkg/model"
	"github.com/escrowd/escrowd/pkg/storage"
	"github.com/escrowd/escrowd/pkg/types"
)

const (
	testGUID1 = "00112233445566778899AABBCCDDEEFF"
	testGUID2 = "FFEEDDCCBBAA99887766554433221100"
	testCN1   = "9f2c1e40-1111-4aaa-8bbb-000000000001"
	testCN2   = "9f2c1e40-2222-4aaa-8bbb-000000000002"

	// Template "AAAA==" hashes to this UUID.
	templateUUID = "10bee382-52ce-552c-95b8-f7bc40cce8dc"

	testKeyEd25519 = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIEmHCmiFK+cQ3sbxk8lVzMZTK30JDclORSdnfuyIeNhh cn@test"
)

func newTestServer(t *testing.T) (*Server, *model.Model) {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.ServerName = "escrowd-test-1"

	m := model.New(store)
	return NewServer(cfg, m, fsm.New(m), auth.NewVerifier()), m
}

func do(t *testing.T, s *Server, method, path string, body interface{}, header http.Header) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

// hmacHeader builds Date and Authorization headers signing "date: <now>"
// with the hex-encoded recovery token.
func hmacHeader(t *testing.T, tokenHex string) http.Header {
	t.Helper()
	key, err := hex.DecodeString(tokenHex)
	require.NoError(t, err)

	date := time.Now().UTC().Format(http.TimeFormat)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("date: " + date))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	h := http.Header{}
	h.Set("Date", date)
	h.Set("Authorization", fmt.Sprintf(
		`Signature keyId="hmac",algorithm="hmac-sha256",headers="date",signature="%s"`, sig))
	return h
}

func pivBody(guid, cn string) map[string]interface{} {
	return map[string]interface{}{
		"guid":    guid,
		"cn_uuid": cn,
		"pin":     "123456",
		"pubkeys": map[string]interface{}{"9e": testKeyEd25519},
	}
}

func seedConfig(t *testing.T, s *Server) *types.RecoveryConfiguration {
	t.Helper()
	rec := do(t, s, http.MethodPost, "/recovery-configurations", "AAAA==\n", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var cfg types.RecoveryConfiguration
	decode(t, rec, &cfg)
	return &cfg
}

func TestCreateConfigBootstrapAndDuplicate(t *testing.T) {
	s, _ := newTestServer(t)

	cfg := seedConfig(t, s)
	assert.Equal(t, templateUUID, cfg.UUID)
	assert.Equal(t, "AAAA==", cfg.Template)
	// Empty fleet: born staged and activated.
	assert.NotNil(t, cfg.Staged)
	assert.NotNil(t, cfg.Activated)

	rec := do(t, s, http.MethodPost, "/recovery-configurations", "AAAA==", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	var dup types.RecoveryConfiguration
	decode(t, rec, &dup)
	assert.Equal(t, cfg.UUID, dup.UUID)
}

func TestCreateConfigJSONBody(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/recovery-configurations",
		map[string]interface{}{"template": "BBBB=="}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var cfg types.RecoveryConfiguration
	decode(t, rec, &cfg)
	assert.Equal(t, "BBBB==", cfg.Template)
}

func TestCreatePIVTokenAndRefresh(t *testing.T) {
	s, _ := newTestServer(t)
	seedConfig(t, s)

	rec := do(t, s, http.MethodPost, "/pivtokens", pivBody(testGUID1, testCN1), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var token types.PIVToken
	decode(t, rec, &token)
	require.Len(t, token.RecoveryTokens, 1)
	assert.NotEmpty(t, token.RecoveryTokens[0].Token)
	assert.NotNil(t, token.RecoveryTokens[0].Activated)

	// Repeat create authenticates against the existing token.
	rec = do(t, s, http.MethodPost, "/pivtokens", pivBody(testGUID1, testCN1),
		hmacHeader(t, token.RecoveryTokens[0].Token))
	require.Equal(t, http.StatusOK, rec.Code)
	var again types.PIVToken
	decode(t, rec, &again)
	assert.Len(t, again.RecoveryTokens, 1)

	// An unauthenticated repeat is rejected.
	rec = do(t, s, http.MethodPost, "/pivtokens", pivBody(testGUID1, testCN1), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreatePIVTokenValidation(t *testing.T) {
	s, _ := newTestServer(t)
	seedConfig(t, s)

	body := pivBody("not-a-guid", testCN1)
	delete(body, "pin")
	rec := do(t, s, http.MethodPost, "/pivtokens", body, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var eb errorBody
	decode(t, rec, &eb)
	assert.Equal(t, "InvalidParameters", eb.Code)
	fields := make([]string, 0, len(eb.Errors))
	for _, fe := range eb.Errors {
		fields = append(fields, fe.Field)
	}
	assert.ElementsMatch(t, []string{"guid", "pin"}, fields)
}

func TestGetPIVTokenStripsSecrets(t *testing.T) {
	s, _ := newTestServer(t)
	seedConfig(t, s)
	rec := do(t, s, http.MethodPost, "/pivtokens", pivBody(testGUID1, testCN1), nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, s, http.MethodGet, "/pivtokens/"+testGUID1, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var token types.PIVToken
	decode(t, rec, &token)
	assert.Empty(t, token.Pin)
	require.Len(t, token.RecoveryTokens, 1)
	assert.Empty(t, token.RecoveryTokens[0].Token)
}

func TestGetPinRequiresAuth(t *testing.T) {
	s, _ := newTestServer(t)
	seedConfig(t, s)
	rec := do(t, s, http.MethodPost, "/pivtokens", pivBody(testGUID1, testCN1), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created types.PIVToken
	decode(t, rec, &created)

	rec = do(t, s, http.MethodGet, "/pivtokens/"+testGUID1+"/pin", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, s, http.MethodGet, "/pivtokens/"+testGUID1+"/pin", nil,
		hmacHeader(t, created.RecoveryTokens[0].Token))
	require.Equal(t, http.StatusOK, rec.Code)
	var full types.PIVToken
	decode(t, rec, &full)
	assert.Equal(t, "123456", full.Pin)
}

func TestUpdatePIVTokenCN(t *testing.T) {
	s, _ := newTestServer(t)
	seedConfig(t, s)
	rec := do(t, s, http.MethodPost, "/pivtokens", pivBody(testGUID1, testCN1), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created types.PIVToken
	decode(t, rec, &created)
	authH := hmacHeader(t, created.RecoveryTokens[0].Token)

	rec = do(t, s, http.MethodPut, "/pivtokens/"+testGUID1,
		map[string]interface{}{"cn_uuid": testCN2}, authH)
	require.Equal(t, http.StatusOK, rec.Code)
	var updated types.PIVToken
	decode(t, rec, &updated)
	assert.Equal(t, testCN2, updated.CNUUID)

	// Anything but cn_uuid is immutable.
	rec = do(t, s, http.MethodPut, "/pivtokens/"+testGUID1,
		map[string]interface{}{"serial": "999"}, authH)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeletePIVToken(t *testing.T) {
	s, _ := newTestServer(t)
	seedConfig(t, s)
	rec := do(t, s, http.MethodPost, "/pivtokens", pivBody(testGUID1, testCN1), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created types.PIVToken
	decode(t, rec, &created)

	rec = do(t, s, http.MethodDelete, "/pivtokens/"+testGUID1, nil,
		hmacHeader(t, created.RecoveryTokens[0].Token))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, s, http.MethodGet, "/pivtokens/"+testGUID1, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReplacePIVToken(t *testing.T) {
	s, _ := newTestServer(t)
	seedConfig(t, s)
	rec := do(t, s, http.MethodPost, "/pivtokens", pivBody(testGUID1, testCN1), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created types.PIVToken
	decode(t, rec, &created)

	rec = do(t, s, http.MethodPost, "/pivtokens/"+testGUID1+"/replace",
		pivBody(testGUID2, testCN1), hmacHeader(t, created.RecoveryTokens[0].Token))
	require.Equal(t, http.StatusCreated, rec.Code)
	var replacement types.PIVToken
	decode(t, rec, &replacement)
	assert.Equal(t, testGUID2, replacement.GUID)

	rec = do(t, s, http.MethodGet, "/pivtokens/"+testGUID1, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConfigActionScheduleAndCollision(t *testing.T) {
	s, _ := newTestServer(t)
	seedConfig(t, s)
	rec := do(t, s, http.MethodPost, "/pivtokens", pivBody(testGUID1, testCN1), nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, s, http.MethodPost, "/recovery-configurations", "BBBB==", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var cfg types.RecoveryConfiguration
	decode(t, rec, &cfg)

	path := "/recovery-configurations/" + cfg.UUID
	rec = do(t, s, http.MethodPut, path+"?action=stage", nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t,
		path+"?action=watch&transition=stage",
		rec.Header().Get("Location"))

	// A second stage collides with the in-flight transition and returns the
	// companion body.
	rec = do(t, s, http.MethodPut, path+"?action=stage", nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	var eb errorBody
	decode(t, rec, &eb)
	assert.Equal(t, "TransitionAlreadyExists", eb.Code)
	require.NotNil(t, eb.Transition)
	assert.Equal(t, types.TransitionStage, eb.Transition.Name)
	require.NotNil(t, eb.RecoveryConfiguration)
	assert.Equal(t, cfg.UUID, eb.RecoveryConfiguration.UUID)

	// Watch reports the pending fan-out.
	rec = do(t, s, http.MethodGet, path+"?action=watch&transition=stage", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var progress watchProgress
	decode(t, rec, &progress)
	assert.Equal(t, 1, progress.Targets)
	assert.Equal(t, 0, progress.Completed)
	assert.False(t, progress.Finished)

	// Cancel, then a second cancel has nothing left to abort.
	rec = do(t, s, http.MethodPut, path+"?action=cancel", nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, s, http.MethodPut, path+"?action=cancel", nil, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestConfigActionRejectsUnknownVerb(t *testing.T) {
	s, _ := newTestServer(t)
	cfg := seedConfig(t, s)
	rec := do(t, s, http.MethodPut,
		"/recovery-configurations/"+cfg.UUID+"?action=detonate", nil, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestDeleteConfigGuard(t *testing.T) {
	s, _ := newTestServer(t)
	cfg := seedConfig(t, s)
	path := "/recovery-configurations/" + cfg.UUID

	// Active configurations cannot be deleted.
	rec := do(t, s, http.MethodDelete, path, nil, nil)
	require.Equal(t, http.StatusPreconditionFailed, rec.Code)
	var eb errorBody
	decode(t, rec, &eb)
	assert.Equal(t, "PreconditionFailed", eb.Code)

	rec = do(t, s, http.MethodPut, path+"?action=expire", nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, s, http.MethodDelete, path, nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestConfigTokensArePublic(t *testing.T) {
	s, _ := newTestServer(t)
	cfg := seedConfig(t, s)
	rec := do(t, s, http.MethodPost, "/pivtokens", pivBody(testGUID1, testCN1), nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, s, http.MethodGet,
		"/recovery-configurations/"+cfg.UUID+"/recovery-tokens", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tokens []*types.RecoveryToken
	decode(t, rec, &tokens)
	require.Len(t, tokens, 1)
	assert.Empty(t, tokens[0].Token)
	assert.Equal(t, testGUID1, tokens[0].PIVToken)
}

func TestRecoveryTokenSubresource(t *testing.T) {
	s, _ := newTestServer(t)
	seedConfig(t, s)
	rec := do(t, s, http.MethodPost, "/pivtokens", pivBody(testGUID1, testCN1), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created types.PIVToken
	decode(t, rec, &created)
	authH := hmacHeader(t, created.RecoveryTokens[0].Token)
	base := "/pivtokens/" + testGUID1 + "/recovery-tokens"

	rec = do(t, s, http.MethodGet, base, nil, authH)
	require.Equal(t, http.StatusOK, rec.Code)
	var chain []*types.RecoveryToken
	decode(t, rec, &chain)
	require.Len(t, chain, 1)

	// Mint a follower; the unused predecessor expires with it.
	rec = do(t, s, http.MethodPost, base, nil, authH)
	require.Equal(t, http.StatusCreated, rec.Code)
	var fresh types.RecoveryToken
	decode(t, rec, &fresh)

	rec = do(t, s, http.MethodPut, base+"/"+fresh.UUID,
		map[string]interface{}{"action": "expire"}, hmacHeader(t, fresh.Token))
	require.Equal(t, http.StatusOK, rec.Code)
	var expired types.RecoveryToken
	decode(t, rec, &expired)
	assert.NotNil(t, expired.Expired)
}

func TestBulkRecoveryTokenUpdate(t *testing.T) {
	s, _ := newTestServer(t)
	seedConfig(t, s)
	rec := do(t, s, http.MethodPost, "/pivtokens", pivBody(testGUID1, testCN1), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created types.PIVToken
	decode(t, rec, &created)

	rec = do(t, s, http.MethodPut, "/pivtokens/"+testGUID1+"/recovery-tokens",
		map[string]interface{}{"action": "expire"},
		hmacHeader(t, created.RecoveryTokens[0].Token))
	require.Equal(t, http.StatusOK, rec.Code)
	var chain []*types.RecoveryToken
	decode(t, rec, &chain)
	require.Len(t, chain, 1)
	assert.NotNil(t, chain[0].Expired)
}

func TestResponseHeaders(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/recovery-configurations", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("x-request-id"))
	assert.Equal(t, "escrowd", rec.Header().Get("Server"))
	assert.Equal(t, "escrowd-test-1", rec.Header().Get("x-server-name"))
	assert.NotEmpty(t, rec.Header().Get("x-response-time"))
	assert.NotEmpty(t, rec.Header().Get("Date"))
}

func TestRateLimit(t *testing.T) {
	s, _ := newTestServer(t)
	s.cfg.RateLimitRPS = 1
	s.cfg.RateLimitBurst = 1

	router := s.Router()
	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/recovery-configurations", nil))
	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/recovery-configurations", nil))

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "status")
}

package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mlmledger/internal/compensation"
	"mlmledger/internal/config"
	"mlmledger/internal/infrastructure/database"
	"mlmledger/internal/infrastructure/lock"
	"mlmledger/internal/model"
	"mlmledger/internal/service"
	"mlmledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type apiEnv struct {
	t      *testing.T
	svc    *service.Services
	router *gin.Engine
}

func newAPI(t *testing.T) *apiEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.Migrate(db))

	cfg := &config.Config{
		Kafka: config.KafkaConfig{Topic: config.KafkaTopicConfig{
			Ledger: "mlm.ledger", Withdrawal: "mlm.withdrawal", Career: "mlm.career", Closing: "mlm.closing",
		}},
		Lock:     config.LockConfig{WaitTimeout: 5 * time.Second},
		Business: config.BusinessConfig{MaxRetryCount: 3, RetryInitial: time.Millisecond, MaxUplineDepth: 64},
		Closing:  config.ClosingConfig{Workers: 2, EventTimeout: 10 * time.Second, PageSize: 10, Timezone: "UTC"},
		Withdrawal: config.WithdrawalConfig{
			FeePercent: "2", FeeFixed: 50, MinAmount: 1000, DefaultRegion: "BR",
		},
	}
	svc, err := service.NewServices(db, lock.NewLocalLocker(), cfg)
	require.NoError(t, err)
	return &apiEnv{t: t, svc: svc, router: SetupRouter(svc)}
}

func (e *apiEnv) do(method, path string, body interface{}, admin string) (*httptest.ResponseRecorder, envelope) {
	e.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(e.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if admin != "" {
		req.Header.Set(adminUserHeader, admin)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var env envelope
	if w.Header().Get("Content-Type") != "" && w.Body.Len() > 0 {
		require.NoError(e.t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w, env
}

// seed registers consultants 1..n, each sponsored by the next one, qualified
// for 2024-07, and returns their account ids.
func (e *apiEnv) seed(n int) map[int64]int64 {
	e.t.Helper()
	accounts := make(map[int64]int64, n)
	for i := int64(n); i >= 1; i-- {
		body := gin.H{
			"id":     i,
			"name":   fmt.Sprintf("Consultant %d", i),
			"cpf":    fmt.Sprintf("529.982.247-%02d", i),
			"email":  fmt.Sprintf("c%d@example.com", i),
			"active": true,
		}
		if i < int64(n) {
			body["sponsor_id"] = i + 1
		}
		_, env := e.do(http.MethodPut, "/api/v1/network/consultants", body, "")
		require.Equal(e.t, response.CodeSuccess, env.Code, env.Message)
		var view struct {
			AccountID int64 `json:"account_id"`
		}
		require.NoError(e.t, json.Unmarshal(env.Data, &view))
		accounts[i] = view.AccountID

		_, env = e.do(http.MethodPost, "/api/v1/network/consumption", gin.H{"consultant_id": i, "period": "2024-07", "amount": 6000}, "")
		require.Equal(e.t, response.CodeSuccess, env.Code, env.Message)
	}
	return accounts
}

func (e *apiEnv) putSigma() {
	e.t.Helper()
	_, err := e.svc.Configs.PutMatrix(context.Background(), &compensation.MatrixConfig{
		MatrixID:         "sigma",
		ActivationValue:  36000,
		RequiredDirects:  1,
		MinConsumption:   6000,
		PointsPercentage: decimal.NewFromInt(30),
		DepthLevels: []decimal.Decimal{
			decimal.NewFromInt(7), decimal.NewFromInt(8), decimal.NewFromInt(10),
			decimal.NewFromInt(15), decimal.NewFromInt(25), decimal.NewFromInt(35),
		},
	}, "test")
	require.NoError(e.t, err)
}

func (e *apiEnv) balance(accountID int64) service.Balance {
	e.t.Helper()
	_, env := e.do(http.MethodGet, fmt.Sprintf("/api/v1/accounts/%d/balance", accountID), nil, "")
	require.Equal(e.t, response.CodeSuccess, env.Code, env.Message)
	var b service.Balance
	require.NoError(e.t, json.Unmarshal(env.Data, &b))
	return b
}

func TestHealthAndMetrics(t *testing.T) {
	api := newAPI(t)

	w, _ := api.do(http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mlm_http_request_duration_seconds")
}

func TestRequestIDIsEchoed(t *testing.T) {
	api := newAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "req-42")
	w := httptest.NewRecorder()
	api.router.ServeHTTP(w, req)
	assert.Equal(t, "req-42", w.Header().Get(requestIDHeader))
}

func TestIngestAndBalance(t *testing.T) {
	api := newAPI(t)
	accounts := api.seed(3)
	api.putSigma()

	event := gin.H{
		"event_id":      "evt-http-1",
		"consultant_id": 1,
		"matrix_id":     "sigma",
		"cycle_number":  1,
		"occurred_at":   "2024-07-15T12:00:00Z",
	}
	_, env := api.do(http.MethodPost, "/api/v1/cycle-events", event, "")
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)

	assert.Equal(t, int64(756), api.balance(accounts[2]).Ledger)
	assert.Equal(t, int64(864), api.balance(accounts[3]).Available)

	_, env = api.do(http.MethodGet, "/api/v1/payouts/CYC-evt-http-1", nil, "")
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)
	var summary struct {
		TotalPaid int64 `json:"total_paid"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &summary))
	assert.Equal(t, int64(1620), summary.TotalPaid)

	_, env = api.do(http.MethodGet, fmt.Sprintf("/api/v1/accounts/%d/ledger?type=%s", accounts[2], model.EntryTypeBonus), nil, "")
	assert.Equal(t, response.CodeSuccess, env.Code, env.Message)

	_, env = api.do(http.MethodGet, fmt.Sprintf("/api/v1/accounts/%d/replay", accounts[3]), nil, "")
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)
	var report service.ReplayReport
	require.NoError(t, json.Unmarshal(env.Data, &report))
	assert.True(t, report.Consistent)
	assert.Equal(t, int64(864), report.Replayed)
}

func TestErrorCodes(t *testing.T) {
	api := newAPI(t)
	accounts := api.seed(2)

	_, env := api.do(http.MethodGet, "/api/v1/accounts/999/balance", nil, "")
	assert.Equal(t, response.CodeAccountNotFound, env.Code)

	_, env = api.do(http.MethodGet, "/api/v1/accounts/abc/balance", nil, "")
	assert.Equal(t, response.CodeParamError, env.Code)

	_, env = api.do(http.MethodGet, "/api/v1/payouts/CYC-missing", nil, "")
	assert.Equal(t, response.CodeNotFound, env.Code)

	withdrawal := gin.H{
		"request_id": "w-1",
		"account_id": accounts[1],
		"amount":     5000,
		"key_type":   model.PayoutKeyCPF,
		"key_value":  "529.982.247-01",
	}
	_, env = api.do(http.MethodPost, "/api/v1/withdrawals", withdrawal, "")
	assert.Equal(t, response.CodeInsufficientBalance, env.Code)

	withdrawal["key_value"] = "529.982.247-02"
	_, env = api.do(http.MethodPost, "/api/v1/withdrawals", withdrawal, "")
	assert.Equal(t, response.CodePayoutKeyMismatch, env.Code)

	_, env = api.do(http.MethodPost, "/api/v1/cycle-events", gin.H{"event_id": "e", "consultant_id": 1, "matrix_id": "nope"}, "")
	assert.Equal(t, response.CodeNotFound, env.Code)
}

func TestAdminRoutesRequireOperator(t *testing.T) {
	api := newAPI(t)
	accounts := api.seed(1)

	adjust := gin.H{"request_id": "adj-1", "account_id": accounts[1], "direction": "credit", "amount": 10000, "description": "seed"}
	_, env := api.do(http.MethodPost, "/api/v1/admin/adjustments", adjust, "")
	assert.Equal(t, response.CodeUnauthorized, env.Code)
	assert.Equal(t, int64(0), api.balance(accounts[1]).Ledger)

	_, env = api.do(http.MethodPost, "/api/v1/admin/adjustments", adjust, "ops")
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)
	assert.Equal(t, int64(10000), api.balance(accounts[1]).Ledger)

	// same request id is a replay, not a second credit
	_, env = api.do(http.MethodPost, "/api/v1/admin/adjustments", adjust, "ops")
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)
	assert.Equal(t, int64(10000), api.balance(accounts[1]).Ledger)

	bonus := gin.H{"request_id": "adj-2", "account_id": accounts[1], "direction": "credit", "amount": 500, "type": "bonus", "description": "x"}
	_, env = api.do(http.MethodPost, "/api/v1/admin/adjustments", bonus, "ops")
	assert.Equal(t, response.CodeParamError, env.Code)

	exempt := gin.H{"request_id": "adj-3", "account_id": accounts[1], "direction": "debit", "amount": 50000, "exempt": true, "description": "x"}
	_, env = api.do(http.MethodPost, "/api/v1/admin/adjustments", exempt, "ops")
	assert.Equal(t, response.CodeParamError, env.Code)
	assert.Equal(t, int64(10000), api.balance(accounts[1]).Ledger)

	_, env = api.do(http.MethodPost, "/api/v1/admin/ledger/ADJ-adj-1/reverse", gin.H{"reason": "typo"}, "ops")
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)
	assert.Equal(t, int64(0), api.balance(accounts[1]).Ledger)

	_, env = api.do(http.MethodPost, "/api/v1/admin/ledger/ADJ-adj-1/reverse", gin.H{"reason": "typo"}, "ops")
	assert.Equal(t, response.CodeAlreadyReversed, env.Code)
}

func TestWithdrawalLifecycleOverHTTP(t *testing.T) {
	api := newAPI(t)
	accounts := api.seed(1)
	a := accounts[1]

	_, env := api.do(http.MethodPost, "/api/v1/admin/adjustments",
		gin.H{"request_id": "seed", "account_id": a, "direction": "credit", "amount": 10000, "description": "seed"}, "ops")
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)

	_, env = api.do(http.MethodPost, "/api/v1/withdrawals", gin.H{
		"request_id": "w-1",
		"account_id": a,
		"amount":     5000,
		"key_type":   model.PayoutKeyEmail,
		"key_value":  "c1@example.com",
	}, "")
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)
	var w model.WithdrawalRequest
	require.NoError(t, json.Unmarshal(env.Data, &w))
	assert.Equal(t, int64(150), w.Fee)
	assert.Equal(t, int64(10000-5150), api.balance(a).Available)

	_, env = api.do(http.MethodGet, "/api/v1/withdrawals", nil, "")
	assert.Equal(t, response.CodeParamError, env.Code)
	_, env = api.do(http.MethodGet, fmt.Sprintf("/api/v1/withdrawals?account_id=%d", a), nil, "")
	assert.Equal(t, response.CodeSuccess, env.Code)

	decide := fmt.Sprintf("/api/v1/admin/withdrawals/%d/decide", w.ID)
	_, env = api.do(http.MethodPost, decide, gin.H{"decision": model.WithdrawalStatusPaid}, "ops")
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)
	assert.Equal(t, int64(4850), api.balance(a).Ledger)

	_, env = api.do(http.MethodPost, decide, gin.H{"decision": model.WithdrawalStatusRejected}, "ops")
	assert.Equal(t, response.CodeWithdrawalDecided, env.Code)
}

func TestClosingOverHTTP(t *testing.T) {
	api := newAPI(t)

	_, env := api.do(http.MethodPost, "/api/v1/admin/closing", gin.H{"period": "2024-07", "category": "MONTHLY"}, "ops")
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)
	var run model.ClosingRun
	require.NoError(t, json.Unmarshal(env.Data, &run))
	assert.Equal(t, model.ClosingCompleted, run.State)
	assert.Equal(t, "ops", run.TriggeredBy)

	_, env = api.do(http.MethodPost, "/api/v1/admin/closing", gin.H{"period": "2024-07", "category": "QUARTERLY"}, "ops")
	assert.Equal(t, response.CodeParamError, env.Code)

	_, env = api.do(http.MethodPost, "/api/v1/admin/closing", gin.H{"period": "2024-07", "category": "WEEKLY"}, "ops")
	assert.Equal(t, response.CodeParamError, env.Code)

	_, env = api.do(http.MethodGet, "/api/v1/admin/closing/status?period=2024-07&category=MONTHLY", nil, "ops")
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)

	_, env = api.do(http.MethodGet, "/api/v1/admin/closing/status?period=2024-08&category=MONTHLY", nil, "ops")
	assert.Equal(t, response.CodeNotFound, env.Code)

	_, env = api.do(http.MethodGet, "/api/v1/admin/closing", nil, "ops")
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)

	_, env = api.do(http.MethodPost, "/api/v1/admin/closing/cancel", gin.H{"period": "2024-07", "category": "MONTHLY"}, "ops")
	require.Equal(t, response.CodeSuccess, env.Code)
	assert.JSONEq(t, `{"cancelled":false}`, string(env.Data))
}

func TestConfigRoutes(t *testing.T) {
	api := newAPI(t)

	matrix := gin.H{
		"activation_value":  36000,
		"required_directs":  1,
		"min_consumption":   6000,
		"points_percentage": "30",
		"depth_levels":      []string{"7", "8", "10", "15", "25", "35"},
	}
	_, env := api.do(http.MethodPut, "/api/v1/admin/config/matrix/sigma", matrix, "ops")
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)

	_, env = api.do(http.MethodGet, "/api/v1/admin/config/matrix/sigma", nil, "ops")
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)
	var stored compensation.MatrixConfig
	require.NoError(t, json.Unmarshal(env.Data, &stored))
	assert.Equal(t, "sigma", stored.MatrixID)
	assert.Equal(t, 1, stored.Version)

	matrix["depth_levels"] = []string{"60", "50"}
	_, env = api.do(http.MethodPut, "/api/v1/admin/config/matrix/sigma", matrix, "ops")
	assert.Equal(t, response.CodeConfigInvalid, env.Code)

	_, env = api.do(http.MethodGet, "/api/v1/admin/config/matrix/omega", nil, "ops")
	assert.NotEqual(t, response.CodeSuccess, env.Code)
}

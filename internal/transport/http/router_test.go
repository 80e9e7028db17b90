package httptransport

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"maskrelay/agent/internal/api"
	"maskrelay/agent/internal/cache"
	"maskrelay/agent/internal/config"
	"maskrelay/agent/internal/masks"
	"maskrelay/agent/internal/phone"
	"maskrelay/agent/internal/relaynumber"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// upstreamStub 按 方法+路径 提供响应并记录请求次数的上游桩。
type upstreamStub struct {
	mu       sync.Mutex
	counts   map[string]int
	bodies   map[string][]byte
	statuses map[string]int
	payloads map[string]string
}

func newUpstreamStub() *upstreamStub {
	return &upstreamStub{
		counts:   make(map[string]int),
		bodies:   make(map[string][]byte),
		statuses: make(map[string]int),
		payloads: make(map[string]string),
	}
}

func (s *upstreamStub) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		body, _ := io.ReadAll(r.Body)

		s.mu.Lock()
		s.counts[key]++
		if len(body) > 0 {
			s.bodies[key] = body
		}
		status, ok := s.statuses[key]
		payload := s.payloads[key]
		s.mu.Unlock()

		if !ok {
			status = http.StatusOK
		}
		if payload == "" && status != http.StatusNoContent {
			payload = "[]"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if payload != "" {
			_, _ = w.Write([]byte(payload))
		}
	})
}

func (s *upstreamStub) count(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[key]
}

func (s *upstreamStub) respond(key string, status int, payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[key] = status
	s.payloads[key] = payload
}

type testEnv struct {
	router *gin.Engine
	stub   *upstreamStub
}

func newTestEnv(t *testing.T, agentToken string) *testEnv {
	t.Helper()

	stub := newUpstreamStub()
	server := httptest.NewServer(stub.handler())
	t.Cleanup(server.Close)

	client, err := api.NewClient(api.Options{
		BaseURL: server.URL,
		Token:   "test-token",
	})
	require.NoError(t, err)

	store := cache.NewStore(time.Minute, zap.NewNop())
	repo := masks.NewRepository(client, store, zap.NewNop())
	phoneFlow := phone.NewFlow(phone.Options{Client: client, Store: store})
	relayFlow := relaynumber.NewFlow(relaynumber.Options{Client: client, Store: store})

	cfg := &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 8642, AgentToken: agentToken},
		Mask:   config.MaskConfig{RelayDomain: "relay.example.com", MozmailDomain: "mozmail.example.com"},
		CORS:   config.CORSConfig{AllowedOrigins: []string{"*"}},
	}

	router := NewRouter(RouterDependencies{
		Config:    cfg,
		Masks:     repo,
		PhoneFlow: phoneFlow,
		RelayFlow: relayFlow,
		Logger:    zap.NewNop(),
	})
	return &testEnv{router: router, stub: stub}
}

func (e *testEnv) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, "")

	w := env.do(http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestAgentAuth(t *testing.T) {
	t.Run("未配置令牌时放行", func(t *testing.T) {
		env := newTestEnv(t, "")

		w := env.do(http.MethodGet, "/v1/masks", "")
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("缺少令牌被拒绝", func(t *testing.T) {
		env := newTestEnv(t, "secret")

		w := env.do(http.MethodGet, "/v1/masks", "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Bearer令牌通过", func(t *testing.T) {
		env := newTestEnv(t, "secret")

		w := env.do(http.MethodGet, "/v1/masks", "", "Authorization", "Bearer secret")
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("查询参数令牌通过", func(t *testing.T) {
		env := newTestEnv(t, "secret")

		w := env.do(http.MethodGet, "/v1/masks?token=secret", "")
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("错误令牌被拒绝", func(t *testing.T) {
		env := newTestEnv(t, "secret")

		w := env.do(http.MethodGet, "/v1/masks", "", "Authorization", "Bearer wrong")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestListMasks(t *testing.T) {
	t.Run("合并列表并计算完整地址", func(t *testing.T) {
		env := newTestEnv(t, "")
		env.stub.respond("GET /relayaddresses/", http.StatusOK,
			`[{"id": 1, "address": "rand1", "enabled": true, "domain": 1}]`)
		env.stub.respond("GET /domainaddresses/", http.StatusOK,
			`[{"id": 2, "address": "shop", "enabled": false, "domain": 2}]`)
		env.stub.respond("GET /profiles/", http.StatusOK,
			`[{"id": 7, "subdomain": "myname"}]`)

		w := env.do(http.MethodGet, "/v1/masks", "")

		require.Equal(t, http.StatusOK, w.Code)
		body := w.Body.String()
		assert.Contains(t, body, `"count":2`)
		assert.Contains(t, body, `"full_address":"rand1@relay.example.com"`)
		assert.Contains(t, body, `"full_address":"shop@myname.mozmail.example.com"`)
	})

	t.Run("按变体过滤", func(t *testing.T) {
		env := newTestEnv(t, "")
		env.stub.respond("GET /relayaddresses/", http.StatusOK,
			`[{"id": 1, "address": "rand1", "enabled": true, "domain": 1}]`)
		env.stub.respond("GET /domainaddresses/", http.StatusOK,
			`[{"id": 2, "address": "shop", "enabled": false, "domain": 2}]`)

		w := env.do(http.MethodGet, "/v1/masks?domain=custom", "")

		require.Equal(t, http.StatusOK, w.Code)
		body := w.Body.String()
		assert.Contains(t, body, `"count":1`)
		assert.Contains(t, body, `"shop"`)
		assert.NotContains(t, body, `"rand1"`)
	})

	t.Run("按文本过滤", func(t *testing.T) {
		env := newTestEnv(t, "")
		env.stub.respond("GET /relayaddresses/", http.StatusOK,
			`[{"id": 1, "address": "rand1", "enabled": true, "domain": 1, "description": "论坛注册"}]`)
		env.stub.respond("GET /domainaddresses/", http.StatusOK,
			`[{"id": 2, "address": "shop", "enabled": false, "domain": 2}]`)

		w := env.do(http.MethodGet, "/v1/masks?search="+url.QueryEscape("论坛"), "")

		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"count":1`)
		assert.Contains(t, w.Body.String(), `"rand1"`)
	})

	t.Run("按状态过滤", func(t *testing.T) {
		env := newTestEnv(t, "")
		env.stub.respond("GET /relayaddresses/", http.StatusOK,
			`[{"id": 1, "address": "rand1", "enabled": true, "domain": 1}]`)
		env.stub.respond("GET /domainaddresses/", http.StatusOK,
			`[{"id": 2, "address": "shop", "enabled": false, "domain": 2}]`)

		w := env.do(http.MethodGet, "/v1/masks?status=blocking", "")

		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"count":1`)
		assert.Contains(t, w.Body.String(), `"shop"`)
	})

	t.Run("上游失败返回500", func(t *testing.T) {
		env := newTestEnv(t, "")
		env.stub.respond("GET /relayaddresses/", http.StatusBadGateway, `{}`)

		w := env.do(http.MethodGet, "/v1/masks", "")
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestCreateMask(t *testing.T) {
	t.Run("创建随机掩码", func(t *testing.T) {
		env := newTestEnv(t, "")
		env.stub.respond("POST /relayaddresses/", http.StatusCreated, `{"id": 10}`)

		w := env.do(http.MethodPost, "/v1/masks", `{"mask_type": "random"}`)

		assert.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, 1, env.stub.count("POST /relayaddresses/"))
		// 创建成功后只重取随机集合
		assert.Equal(t, 1, env.stub.count("GET /relayaddresses/"))
		assert.Equal(t, 0, env.stub.count("GET /domainaddresses/"))
	})

	t.Run("创建自定义掩码", func(t *testing.T) {
		env := newTestEnv(t, "")
		env.stub.respond("POST /domainaddresses/", http.StatusCreated, `{"id": 11}`)

		w := env.do(http.MethodPost, "/v1/masks", `{"mask_type": "custom", "address": "shop"}`)

		assert.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, 1, env.stub.count("POST /domainaddresses/"))
	})

	t.Run("自定义掩码缺少地址", func(t *testing.T) {
		env := newTestEnv(t, "")

		w := env.do(http.MethodPost, "/v1/masks", `{"mask_type": "custom"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("未知变体类型", func(t *testing.T) {
		env := newTestEnv(t, "")

		w := env.do(http.MethodPost, "/v1/masks", `{"mask_type": "fancy"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("上游拒绝时原样透传状态", func(t *testing.T) {
		env := newTestEnv(t, "")
		env.stub.respond("POST /domainaddresses/", http.StatusConflict,
			`{"detail": "address already taken"}`)

		w := env.do(http.MethodPost, "/v1/masks", `{"mask_type": "custom", "address": "shop"}`)

		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Contains(t, w.Body.String(), "address already taken")
	})
}

func TestUpdateMask(t *testing.T) {
	t.Run("按标记路由到自定义集合", func(t *testing.T) {
		env := newTestEnv(t, "")
		env.stub.respond("GET /domainaddresses/", http.StatusOK,
			`[{"id": 2, "address": "shop", "enabled": false, "domain": 2}]`)

		w := env.do(http.MethodPatch, "/v1/masks/2", `{"enabled": true}`)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 1, env.stub.count("PATCH /domainaddresses/2/"))
		assert.Equal(t, 0, env.stub.count("PATCH /relayaddresses/2/"))
	})

	t.Run("撞号ID按变体参数定位", func(t *testing.T) {
		env := newTestEnv(t, "")
		env.stub.respond("GET /relayaddresses/", http.StatusOK,
			`[{"id": 7, "address": "rand7", "enabled": true, "domain": 1}]`)
		env.stub.respond("GET /domainaddresses/", http.StatusOK,
			`[{"id": 7, "address": "shop7", "enabled": true, "domain": 2}]`)

		w := env.do(http.MethodPatch, "/v1/masks/7?mask_type=custom", `{"enabled": false}`)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 1, env.stub.count("PATCH /domainaddresses/7/"))
		assert.Equal(t, 0, env.stub.count("PATCH /relayaddresses/7/"))
	})

	t.Run("非法变体参数返回400", func(t *testing.T) {
		env := newTestEnv(t, "")

		w := env.do(http.MethodPatch, "/v1/masks/7?mask_type=fancy", `{"enabled": false}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("未知掩码返回404", func(t *testing.T) {
		env := newTestEnv(t, "")

		w := env.do(http.MethodPatch, "/v1/masks/99", `{"enabled": true}`)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("非数字ID返回400", func(t *testing.T) {
		env := newTestEnv(t, "")

		w := env.do(http.MethodPatch, "/v1/masks/abc", `{"enabled": true}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestDeleteMask(t *testing.T) {
	env := newTestEnv(t, "")
	env.stub.respond("GET /relayaddresses/", http.StatusOK,
		`[{"id": 1, "address": "rand1", "enabled": true, "domain": 1}]`)
	env.stub.respond("DELETE /relayaddresses/1/", http.StatusNoContent, "")

	w := env.do(http.MethodDelete, "/v1/masks/1", "")

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 1, env.stub.count("DELETE /relayaddresses/1/"))
}

func TestGetProfile(t *testing.T) {
	t.Run("返回档案", func(t *testing.T) {
		env := newTestEnv(t, "")
		env.stub.respond("GET /profiles/", http.StatusOK,
			`[{"id": 7, "subdomain": "myname"}]`)

		w := env.do(http.MethodGet, "/v1/profile", "")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"myname"`)
	})

	t.Run("无档案返回404", func(t *testing.T) {
		env := newTestEnv(t, "")
		env.stub.respond("GET /profiles/", http.StatusOK, `[]`)

		w := env.do(http.MethodGet, "/v1/profile", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestPhoneEndpoints(t *testing.T) {
	t.Run("初始快照", func(t *testing.T) {
		env := newTestEnv(t, "")

		w := env.do(http.MethodGet, "/v1/phone", "")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"entering_number"`)
	})

	t.Run("提交号码后等待验证码", func(t *testing.T) {
		env := newTestEnv(t, "")
		env.stub.respond("POST /realphone/", http.StatusCreated,
			`{"id": 5, "number": "+12025550123"}`)

		w := env.do(http.MethodPost, "/v1/phone/number", `{"number": "+12025550123"}`)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"awaiting_code"`)
	})

	t.Run("缺少号码返回400", func(t *testing.T) {
		env := newTestEnv(t, "")

		w := env.do(http.MethodPost, "/v1/phone/number", `{}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("错误状态下提交验证码返回409", func(t *testing.T) {
		env := newTestEnv(t, "")

		w := env.do(http.MethodPost, "/v1/phone/code", `{"code": "123456"}`)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("返回清空状态", func(t *testing.T) {
		env := newTestEnv(t, "")

		w := env.do(http.MethodPost, "/v1/phone/back", "")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"entering_number"`)
	})
}

func TestRelayNumberEndpoints(t *testing.T) {
	suggestions := `{
		"same_area_options": [],
		"other_areas_options": [],
		"same_prefix_options": [],
		"random_options": [
			{"number": "+12025550100"},
			{"number": "+12025550101"},
			{"number": "+12025550102"},
			{"number": "+12025550103"}
		]
	}`

	t.Run("拉取候选号码", func(t *testing.T) {
		env := newTestEnv(t, "")
		env.stub.respond("GET /relaynumber/suggestions/", http.StatusOK, suggestions)

		w := env.do(http.MethodPost, "/v1/relaynumber/suggestions", "")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"selecting_number"`)
		assert.Contains(t, w.Body.String(), "+12025550100")
		// 可见窗口只有三个
		assert.NotContains(t, w.Body.String(), "+12025550103")
	})

	t.Run("选中并确认注册", func(t *testing.T) {
		env := newTestEnv(t, "")
		env.stub.respond("GET /relaynumber/suggestions/", http.StatusOK, suggestions)
		env.stub.respond("POST /relaynumber/", http.StatusCreated,
			`{"id": 3, "number": "+12025550100"}`)

		env.do(http.MethodPost, "/v1/relaynumber/suggestions", "")
		env.do(http.MethodPost, "/v1/relaynumber/select", `{"number": "+12025550100"}`)
		env.do(http.MethodPost, "/v1/relaynumber/submit", "")
		w := env.do(http.MethodPost, "/v1/relaynumber/confirm", "")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"registered"`)
		assert.Equal(t, 1, env.stub.count("POST /relaynumber/"))
	})

	t.Run("确认步骤中翻页后确认仍成功", func(t *testing.T) {
		env := newTestEnv(t, "")
		env.stub.respond("GET /relaynumber/suggestions/", http.StatusOK, suggestions)
		env.stub.respond("POST /relaynumber/", http.StatusCreated,
			`{"id": 3, "number": "+12025550100"}`)

		env.do(http.MethodPost, "/v1/relaynumber/suggestions", "")
		env.do(http.MethodPost, "/v1/relaynumber/select", `{"number": "+12025550100"}`)
		env.do(http.MethodPost, "/v1/relaynumber/submit", "")
		env.do(http.MethodPost, "/v1/relaynumber/more", "")
		w := env.do(http.MethodPost, "/v1/relaynumber/confirm", "")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"registered"`)
	})

	t.Run("未选中就提交返回422", func(t *testing.T) {
		env := newTestEnv(t, "")
		env.stub.respond("GET /relaynumber/suggestions/", http.StatusOK, suggestions)

		env.do(http.MethodPost, "/v1/relaynumber/suggestions", "")
		w := env.do(http.MethodPost, "/v1/relaynumber/submit", "")

		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	t.Run("选中窗口外号码返回422", func(t *testing.T) {
		env := newTestEnv(t, "")
		env.stub.respond("GET /relaynumber/suggestions/", http.StatusOK, suggestions)

		env.do(http.MethodPost, "/v1/relaynumber/suggestions", "")
		w := env.do(http.MethodPost, "/v1/relaynumber/select", `{"number": "+12025550103"}`)

		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	t.Run("搜索传递区号参数", func(t *testing.T) {
		env := newTestEnv(t, "")
		env.stub.respond("GET /relaynumber/search/", http.StatusOK,
			`[{"number": "+12065550107"}]`)

		w := env.do(http.MethodPost, "/v1/relaynumber/search", `{"query": "206"}`)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "+12065550107")
	})
}

package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unitynets-realtime/internal/config"
)

func TestCallConfigEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewSignalHandler(nil, config.CallConfig{
		STUNServers: []string{"stun:stun.example.com:3478"},
		RingTimeout: 45 * time.Second,
	})

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/v1/signals/config", nil)
	h.CallConfig(c)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		STUNServers   []string `json:"stun_servers"`
		RingTimeoutMS int64    `json:"ring_timeout_ms"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"stun:stun.example.com:3478"}, body.STUNServers)
	assert.Equal(t, int64(45000), body.RingTimeoutMS)
}

package api

import (
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/marketfanout/gatewayapi/internal/config"
	"github.com/marketfanout/gatewayapi/internal/ws"
	"github.com/stretchr/testify/assert"
)

func registeredRoutes(t *testing.T) map[string]string {
	t.Helper()
	e := echo.New()
	SetupRoutes(e, Deps{
		Config:  &config.Config{APIName: "gatewayapi", APIVersion: "test"},
		Gateway: &ws.Gateway{},
	})

	routes := make(map[string]string)
	for _, route := range e.Routes() {
		routes[route.Path] = route.Method
	}
	return routes
}

func TestStreamControlRoutesLiveUnderProvider(t *testing.T) {
	routes := registeredRoutes(t)

	assert.Equal(t, "POST", routes["/admin/provider/stream/start"])
	assert.Equal(t, "POST", routes["/admin/provider/stream/stop"])
	assert.Equal(t, "GET", routes["/admin/stream/status"])

	// Control verbs never hang off the status prefix
	assert.NotContains(t, routes, "/admin/stream/start")
	assert.NotContains(t, routes, "/admin/stream/stop")
}

func TestQuoteRoutesRegistered(t *testing.T) {
	routes := registeredRoutes(t)

	assert.Equal(t, "GET", routes["/quote"])
	assert.Equal(t, "GET", routes["/ltp"])
	assert.Equal(t, "GET", routes["/ohlc"])
	assert.Equal(t, "GET", routes["/ws"])
}

package validation

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	systemProgram = "11111111111111111111111111111111"
	tokenProgram  = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
)

func TestIsValidAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{systemProgram, true},
		{tokenProgram, true},
		{base58.Encode(bytes.Repeat([]byte{7}, 32)), true},

		{"", false},
		{"0x1234567890123456789012345678901234567890", false}, // not base58
		{base58.Encode(bytes.Repeat([]byte{7}, 31)), false},
		{base58.Encode(bytes.Repeat([]byte{7}, 64)), false},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.valid, IsValidAddress(tc.addr), tc.addr)
	}
}

func TestIsValidSignature(t *testing.T) {
	assert.True(t, IsValidSignature(base58.Encode(bytes.Repeat([]byte{9}, 64))))
	assert.False(t, IsValidSignature(tokenProgram))
	assert.False(t, IsValidSignature("not-a-signature"))
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("operator", ""),
		ValidAddress("treasury", "nope"),
		ValidAddress("optional", ""),
		IntRange("txLimit", 0, 1, 1000),
		IntRange("limit", 5000, 1, 1000),
	)
	require.Len(t, errs, 3)
	assert.Equal(t, "operator", errs[0].Field)
	assert.Equal(t, "treasury", errs[1].Field)
	assert.Equal(t, "limit", errs[2].Field)
	assert.Equal(t, "operator: is required", errs.Error())

	assert.Equal(t, "validation failed", ValidationErrors(nil).Error())
}

func TestValidAddresses(t *testing.T) {
	assert.Nil(t, ValidAddresses("addresses", []string{systemProgram, tokenProgram})())

	bad := ValidAddresses("addresses", []string{systemProgram, "x"})()
	require.NotNil(t, bad)
	assert.Equal(t, "addresses[1]", bad.Field)

	many := make([]string, MaxAddressesPerRequest+1)
	for i := range many {
		many[i] = systemProgram
	}
	tooMany := ValidAddresses("addresses", many)()
	require.NotNil(t, tooMany)
	assert.Equal(t, "addresses", tooMany.Field)
}

func TestAddressParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/v1/accounts/:address", AddressParamMiddleware(), func(c *gin.Context) {
		c.String(200, "ok")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/accounts/"+tokenProgram, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/accounts/0xdeadbeef", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_address")
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(16))
	r.POST("/v1/reclaim", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.String(http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		c.String(200, "ok")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/v1/reclaim", strings.NewReader(`{"dryRun":false,"confirm":true}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

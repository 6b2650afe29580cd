// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package consultation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"learnwork/shared/logger"
)

func TestNewNotifier(t *testing.T) {
	log := logger.Discard()

	n, err := NewNotifier("", "", log)
	require.NoError(t, err)
	assert.IsType(t, &LogNotifier{}, n)

	n, err = NewNotifier("WEBHOOK", "http://dispatcher.local/send", log)
	require.NoError(t, err)
	assert.IsType(t, &WebhookNotifier{}, n)

	_, err = NewNotifier(NotifierWebhook, "", log)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = NewNotifier("carrier-pigeon", "", log)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestWebhookNotifierSend(t *testing.T) {
	var got Notification
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	n := NewWebhookNotifier(server.URL, logger.Discard())
	err := n.Send(context.Background(), Notification{
		Audience:     AudienceUser,
		UserID:       12,
		Channels:     []Channel{ChannelSite, ChannelEmail},
		Title:        "您的咨询已得到人工回复",
		Content:      "内容",
		BusinessID:   3,
		BusinessType: "CONSULTATION",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(12), got.UserID)
	assert.Equal(t, []Channel{ChannelSite, ChannelEmail}, got.Channels)
}

func TestWebhookNotifierNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer server.Close()

	n := NewWebhookNotifier(server.URL, logger.Discard())
	err := n.Send(context.Background(), Notification{Title: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

package sequence

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestTriggerConfigValidate(t *testing.T) {
	listID := uuid.New()

	tests := []struct {
		name    string
		typ     TriggerType
		cfg     TriggerConfig
		wantErr bool
	}{
		{"contact list with ids", TriggerContactList, TriggerConfig{ContactList: &ContactListTrigger{ListIDs: []uuid.UUID{listID}}}, false},
		{"contact list without ids", TriggerContactList, TriggerConfig{ContactList: &ContactListTrigger{}}, true},
		{"contact list missing variant", TriggerContactList, TriggerConfig{}, true},
		{"integration with provider", TriggerIntegration, TriggerConfig{Integration: &IntegrationTrigger{Provider: "shopify"}}, false},
		{"integration without provider", TriggerIntegration, TriggerConfig{Integration: &IntegrationTrigger{}}, true},
		{"webhook with slug", TriggerWebhook, TriggerConfig{Webhook: &WebhookTrigger{Slug: "signup"}}, false},
		{"webhook without slug", TriggerWebhook, TriggerConfig{Webhook: &WebhookTrigger{}}, true},
		{"manual needs nothing", TriggerManual, TriggerConfig{}, false},
		{"unknown type", TriggerType("cron"), TriggerConfig{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate(tt.typ)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTriggerConfigMatches(t *testing.T) {
	defID := uuid.New()
	listA := uuid.New()
	listB := uuid.New()

	tests := []struct {
		name string
		typ  TriggerType
		cfg  TriggerConfig
		evt  TriggerEvent
		want bool
	}{
		{
			"type mismatch never matches",
			TriggerContactList,
			TriggerConfig{ContactList: &ContactListTrigger{ListIDs: []uuid.UUID{listA}}},
			TriggerEvent{Type: TriggerWebhook, ListID: listA},
			false,
		},
		{
			"second watched list id matches",
			TriggerContactList,
			TriggerConfig{ContactList: &ContactListTrigger{ListIDs: []uuid.UUID{listA, listB}}},
			TriggerEvent{Type: TriggerContactList, ListID: listB},
			true,
		},
		{
			"unwatched list",
			TriggerContactList,
			TriggerConfig{ContactList: &ContactListTrigger{ListIDs: []uuid.UUID{listA}}},
			TriggerEvent{Type: TriggerContactList, ListID: uuid.New()},
			false,
		},
		{
			"integration provider and source",
			TriggerIntegration,
			TriggerConfig{Integration: &IntegrationTrigger{Provider: "shopify", SourceID: "store-1"}},
			TriggerEvent{Type: TriggerIntegration, Provider: "shopify", SourceID: "store-1"},
			true,
		},
		{
			"integration wrong source",
			TriggerIntegration,
			TriggerConfig{Integration: &IntegrationTrigger{Provider: "shopify", SourceID: "store-1"}},
			TriggerEvent{Type: TriggerIntegration, Provider: "shopify", SourceID: "store-2"},
			false,
		},
		{
			"integration empty source matches any",
			TriggerIntegration,
			TriggerConfig{Integration: &IntegrationTrigger{Provider: "shopify"}},
			TriggerEvent{Type: TriggerIntegration, Provider: "shopify", SourceID: "store-2"},
			true,
		},
		{
			"webhook slug",
			TriggerWebhook,
			TriggerConfig{Webhook: &WebhookTrigger{Slug: "signup"}},
			TriggerEvent{Type: TriggerWebhook, Slug: "signup"},
			true,
		},
		{
			"manual targets this definition",
			TriggerManual,
			TriggerConfig{Manual: &ManualTrigger{}},
			TriggerEvent{Type: TriggerManual, SequenceID: defID},
			true,
		},
		{
			"manual targets another definition",
			TriggerManual,
			TriggerConfig{Manual: &ManualTrigger{}},
			TriggerEvent{Type: TriggerManual, SequenceID: uuid.New()},
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.Matches(tt.typ, defID, tt.evt))
		})
	}
}

func TestValidateSteps(t *testing.T) {
	tests := []struct {
		name    string
		steps   []Step
		wantErr bool
	}{
		{"empty", nil, true},
		{"single zero step", []Step{{Order: 0, Subject: "a", Content: "x", DelayUnit: DelayMinutes}}, false},
		{"gap in orders", []Step{{Order: 0, Subject: "a", Content: "x", DelayUnit: DelayMinutes}, {Order: 2, Subject: "b", Content: "y", DelayUnit: DelayMinutes}}, true},
		{"duplicate order", []Step{{Order: 0, Subject: "a", Content: "x", DelayUnit: DelayMinutes}, {Order: 0, Subject: "b", Content: "y", DelayUnit: DelayMinutes}}, true},
		{"negative delay", []Step{{Order: 0, Subject: "a", Content: "x", DelayAmount: -1, DelayUnit: DelayMinutes}}, true},
		{"unknown unit", []Step{{Order: 0, Subject: "a", Content: "x", DelayUnit: DelayUnit("fortnights")}}, true},
		{"out of order slice still valid", []Step{{Order: 1, Subject: "b", Content: "y", DelayUnit: DelayHours}, {Order: 0, Subject: "a", Content: "x", DelayUnit: DelayMinutes}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSteps(tt.steps)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

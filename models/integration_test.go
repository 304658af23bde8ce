package models_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/inlethq/inlet/models"
)

func TestStatusCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    models.IntegrationStatus
		to      models.IntegrationStatus
		allowed bool
	}{
		{"active to revoked", models.StatusActive, models.StatusRevoked, true},
		{"active to expired", models.StatusActive, models.StatusExpired, true},
		{"active to active", models.StatusActive, models.StatusActive, false},
		{"revoked is terminal", models.StatusRevoked, models.StatusActive, false},
		{"revoked to expired", models.StatusRevoked, models.StatusExpired, false},
		{"expired is terminal", models.StatusExpired, models.StatusActive, false},
		{"expired to revoked", models.StatusExpired, models.StatusRevoked, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to))
		})
	}
}

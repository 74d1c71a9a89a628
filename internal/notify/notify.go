/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package notify

import (
	"context"
	"encoding/json"
	"time"

	"rent-ledger-go/internal/models"
	"rent-ledger-go/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Notifier publishes outbound events for the communications collaborator.
// Publishing never fails the money movement that triggered it.
type Notifier interface {
	Notify(ctx context.Context, kind, tenantId string, payload interface{})
}

// Outbox appends notifications to the store and logs them.
type Outbox struct {
	store store.NotificationStore
	now   func() time.Time
}

func NewOutbox(s store.NotificationStore) *Outbox {
	return &Outbox{store: s, now: time.Now}
}

func (o *Outbox) Notify(ctx context.Context, kind, tenantId string, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		zap.L().Error("Failed to encode notification payload",
			zap.String("kind", kind),
			zap.String("tenant_id", tenantId),
			zap.Error(err))
		return
	}

	n := models.Notification{
		Id:        uuid.New().String(),
		TenantId:  tenantId,
		Kind:      kind,
		Payload:   string(body),
		CreatedAt: o.now().UTC(),
	}
	if err := o.store.AppendNotification(ctx, n); err != nil {
		zap.L().Error("Failed to append notification",
			zap.String("kind", kind),
			zap.String("tenant_id", tenantId),
			zap.Error(err))
		return
	}

	zap.L().Info("Notification queued",
		zap.String("notification_id", n.Id),
		zap.String("kind", kind),
		zap.String("tenant_id", tenantId))
}

// List returns notifications after the given sequence, oldest first.
func (o *Outbox) List(ctx context.Context, afterSeq int64, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return o.store.ListNotificationsAfter(ctx, afterSeq, limit)
}

// Discard drops every notification. Used by tools that must not emit events.
type Discard struct{}

func (Discard) Notify(ctx context.Context, kind, tenantId string, payload interface{}) {}

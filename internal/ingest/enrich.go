package ingest

import (
	"context"

	"github.com/matheus3301/wpprelay/internal/notify"
	"github.com/matheus3301/wpprelay/internal/store"
	"go.uber.org/zap"
)

type profile struct {
	name    string
	picture string
}

// enrich fetches the subject of a new group, or the name of a new contact,
// in the background. Concurrent lookups of one identity share a call.
func (c *Coordinator) enrich(ctx context.Context, instance string, conv *store.Conversation) {
	if c.enricher == nil || (!conv.IsGroup && conv.Name != "") {
		return
	}
	ctx = context.WithoutCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, c.enrichTimeout)
		defer cancel()

		key := instance + "/" + conv.RemoteJID
		v, err, _ := c.lookups.Do(key, func() (any, error) {
			if conv.IsGroup {
				info, err := c.enricher.FetchGroupInfo(ctx, instance, conv.RemoteJID)
				if err != nil {
					return nil, err
				}
				return profile{name: info.Subject, picture: info.PictureURL}, nil
			}
			info, err := c.enricher.FetchContactInfo(ctx, instance, conv.RemoteJID)
			if err != nil {
				return nil, err
			}
			return profile{name: info.Name, picture: info.PictureURL}, nil
		})
		if err != nil {
			c.logger.Warn("profile lookup failed",
				zap.String("instance", instance),
				zap.String("remote_jid", conv.RemoteJID),
				zap.Error(err),
			)
			return
		}

		p := v.(profile)
		changed, err := c.db.UpdateConversationProfile(ctx, conv.ID, p.name, p.picture)
		if err != nil || !changed {
			if err != nil {
				c.logger.Warn("profile update failed", zap.String("conversation_id", conv.ID), zap.Error(err))
			}
			return
		}
		updated, err := c.db.GetConversation(ctx, conv.ID)
		if err != nil || updated == nil {
			return
		}
		c.dispatcher.ConversationChanged(instance, notify.ConversationUpdated, updated)
	}()
}

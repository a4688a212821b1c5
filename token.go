package talk

import (
	"errors"

	"github.com/hoccer/hoccer-talk-spike-sub002/ids"
	"github.com/hoccer/hoccer-talk-spike-sub002/store"
)

// GenerateToken issues a single-use token for the given purpose. The secret
// is the only thing handed to the peer, out of band.
func (c *Connection) GenerateToken(purpose string, secondsValid uint64) (string, error) {
	clientID, err := c.gate("generateToken")
	if err != nil {
		return "", err
	}
	if purpose == "" {
		return "", rpcError("talk: token purpose must not be empty")
	}
	return c.server.issueToken(clientID, purpose, 1, secondsValid)
}

// GeneratePairingToken issues a pairing token redeemable up to maxUseCount
// times.
func (c *Connection) GeneratePairingToken(maxUseCount, secondsValid uint64) (string, error) {
	clientID, err := c.gate("generatePairingToken")
	if err != nil {
		return "", err
	}
	return c.server.issueToken(clientID, store.TokenPurposePairing, maxUseCount, secondsValid)
}

// PairByToken redeems a pairing token, befriending the caller and the token
// issuer. An unusable token is a plain failure, not an error: clients retry
// scanning and should not treat a spent token as a fault.
func (c *Connection) PairByToken(secret string) (bool, error) {
	clientID, err := c.gate("pairByToken")
	if err != nil {
		return false, err
	}

	var issuerID string
	paired := false
	err = c.server.run("pair by token", func() error {
		s := c.server.store
		token, err := s.TokenBySecret(store.TokenPurposePairing, secret)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if token.ClientID == clientID {
			return rpcError("talk: cannot pair with yourself")
		}
		if !token.Usable(c.server.clock.CurrentTimeMs()) {
			return nil
		}
		token.UseCount++
		token.State = store.TokenStateUsed
		if token.UseCount >= token.MaxUseCount {
			token.State = store.TokenStateSpent
		}
		if err := s.UpdateToken(token); err != nil {
			return err
		}
		issuerID = token.ClientID
		paired = true
		return nil
	})
	if err != nil || !paired {
		return false, err
	}

	if err := c.server.befriend(clientID, issuerID); err != nil {
		return false, err
	}
	c.server.agent.RequestPresenceSync(clientID)
	c.server.agent.RequestPresenceSync(issuerID)
	c.log.Infof("client %s paired with %s by token", clientID, issuerID)
	return true, nil
}

// issueToken creates a token with a collision-checked secret. Lifetime and
// use count are clamped to the configured bounds.
func (s *Server) issueToken(clientID, purpose string, maxUseCount, secondsValid uint64) (string, error) {
	if secondsValid < s.config.TokenLifetimeMinSec {
		secondsValid = s.config.TokenLifetimeMinSec
	}
	if secondsValid > s.config.TokenLifetimeMaxSec {
		secondsValid = s.config.TokenLifetimeMaxSec
	}
	if maxUseCount < 1 {
		maxUseCount = 1
	}
	if maxUseCount > s.config.TokenMaxUseCount {
		maxUseCount = s.config.TokenMaxUseCount
	}

	var secret string
	err := s.run("issue token for "+clientID, func() error {
		for attempt := 0; attempt < s.config.TokenSecretAttempts; attempt++ {
			candidate := ids.NewSecret(16)
			inUse, err := s.store.SecretInUse(purpose, candidate)
			if err != nil {
				return err
			}
			if inUse {
				continue
			}
			secret = candidate
			break
		}
		if secret == "" {
			return rpcError("talk: could not generate unique token secret")
		}
		now := s.clock.CurrentTimeMs()
		return s.store.InsertToken(&store.Token{
			TokenID:       ids.NewID(),
			Purpose:       purpose,
			Secret:        secret,
			State:         store.TokenStateUnused,
			ClientID:      clientID,
			TimeGenerated: now,
			TimeExpires:   now + secondsValid*1000,
			MaxUseCount:   maxUseCount,
		})
	})
	if err != nil {
		return "", err
	}
	return secret, nil
}

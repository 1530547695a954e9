package security

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"meterd/entities"
)

const DefaultChallengeTTL = 1000 * time.Second

type challenge struct {
	IP        string
	RequestID string
}

//Challenges issues nonces bound to a peer address and a request id
type Challenges struct {
	cache *ttlcache.Cache[string, challenge]
	lock  sync.Mutex
}

func NewChallenges(ttl time.Duration) *Challenges {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	c := &Challenges{
		cache: ttlcache.New[string, challenge](
			ttlcache.WithTTL[string, challenge](ttl),
			ttlcache.WithDisableTouchOnHit[string, challenge](),
		),
	}
	go c.cache.Start()
	return c
}

//Create issues a fresh nonce
func (c *Challenges) Create(ip, requestID string) string {
	nonce := uuid.NewString()
	c.cache.Set(nonce, challenge{IP: ip, RequestID: requestID}, ttlcache.DefaultTTL)
	return nonce
}

//Check passes iff the nonce is live and was issued for this ip and request id
func (c *Challenges) Check(nonce, ip, requestID string) bool {
	if nonce == "" {
		return false
	}
	item := c.cache.Get(nonce)
	if item == nil {
		return false
	}
	v := item.Value()
	return v.IP == ip && v.RequestID == requestID
}

//Consume is Check followed by removal of the nonce, as one step
func (c *Challenges) Consume(nonce, ip, requestID string) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	if !c.Check(nonce, ip, requestID) {
		return false
	}
	c.cache.Delete(nonce)
	return true
}

func (c *Challenges) Len() int {
	return c.cache.Len()
}

func (c *Challenges) Stop() {
	c.cache.Stop()
}

//VerifyAuth checks the challenge and the caller's signature over
//{offer, params, nonce, request_id}; the nonce is consumed only when both hold
func VerifyAuth(c *Challenges, p *entities.Payload, ip string) bool {
	if p == nil || p.Auth.Nonce == "" {
		return false
	}
	if !c.Check(p.Auth.Nonce, ip, p.ID) {
		return false
	}
	if !Verify(AuthContent(p, p.Auth.Nonce), p.Auth) {
		return false
	}
	return c.Consume(p.Auth.Nonce, ip, p.ID)
}

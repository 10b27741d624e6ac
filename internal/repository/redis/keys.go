package redisrepo

import "fmt"

const ns = "ticksy:v1"

func KeyEventSummary(eventID int64) string {
	return fmt.Sprintf("%s:event:%d:summary", ns, eventID)
}

func KeyEventTiers(eventID int64) string {
	return fmt.Sprintf("%s:event:%d:tiers", ns, eventID)
}

func KeyApprovedEvents() string {
	return ns + ":events:approved"
}

func KeyRateLimit(scope string) string {
	return fmt.Sprintf("%s:rl:%s", ns, scope)
}

func KeyIdemOrder(attendeeID int64, idemKey string) string {
	return fmt.Sprintf("%s:idem:orders:%d:%s", ns, attendeeID, idemKey)
}

func KeyMpesaToken(consumerKey string) string {
	return fmt.Sprintf("%s:mpesa:token:%s", ns, consumerKey)
}

func ChannelEventsChanged() string {
	return ns + ":events:changed"
}

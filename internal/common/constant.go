package common

// SessionCookieName is the cookie that carries the raw session token
// between the dashboard and the hub (and through the relay).
const SessionCookieName = "session"

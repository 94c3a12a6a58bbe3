// Package api exposes the referral dashboard over HTTP: the HTML page, the
// JSON view of every contract read, the sign-up and withdraw writes and the
// tracked transaction history.
package api

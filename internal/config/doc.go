// Package config loads the referral daemon configuration from a JSON file,
// a local .env file and REFERRAL_* environment variables, in that order of
// increasing precedence.
package config

// Package web3 houses blockchain connectivity for the referral contract:
// the chain client interface, chain endpoint definitions and the event
// subscription wrapper. Concrete EVM clients live in web3/ethereum and are
// assembled into a named registry by web3/provider.
package web3

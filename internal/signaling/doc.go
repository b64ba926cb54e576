// Package signaling implements the session-scoped signaling relay.
//
// Each WebSocket connection authenticates with an identity and a session id,
// joins the room for that session, and exchanges offer/answer/ICE-candidate
// messages with the other room members. The relay forwards messages verbatim
// (stamping the sender identity), never back to the sender and never across
// rooms. Rooms are created on first join and deleted as soon as the last
// member leaves.
package signaling

// Package hanabot implements a Discord chat bot which relays channel
// conversation to an OpenAI-compatible chat completion API, and sends the
// model's replies back to the channel.
//
// The bot answers whenever it's mentioned or replied to, and otherwise
// joins in on its own after a random number of ambient messages. Each
// request is assembled from the persona documents, with the invoking
// user's name substituted in, and the channel's recent history.
//
// Key components of the package include:
//
//   - Bot: wires the discord session to everything else, and owns startup
//     and graceful shutdown.
//   - Engine: decides when to reply, and drives the completion and reply.
//   - StateStore: per-channel history and ambient trigger counters.
//   - PersonaLoader: reads and caches the persona documents.
//   - Completer: builds and sends chat completion requests.
//   - DirectiveProcessor: runs the timeout(...) and memory(...) directives
//     found in replies.
//   - MemoryStore: JSON memory files, one per channel.
//   - OwnerCommands: the owner-only wack, down and memory commands.
//   - API: an optional local status API.
package hanabot

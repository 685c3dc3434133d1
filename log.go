package collab

// Logging convention in the `collab` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - connect/auth failures and abnormal closes
//     - dropped frames (malformed json, unknown discriminants)
//     - missed heartbeat acks
// V(2):
//     key events for trace debugging
//     this includes:
//     - per-frame send/receive traces, tagged with the session id
//     - state transitions and per-bucket throttle decisions
//
// tags: [cs] session, [hb] heartbeat, [dsp] dispatcher, [thr] throttler, [api] rest client

const frameTraceV = 2

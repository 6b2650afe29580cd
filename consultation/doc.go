// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

/*
Package consultation answers student questions automatically where it can and
hands them to human staff where it must.

A submitted question goes through one pipeline, shared by the single-shot
and streaming delivery modes:

 1. load the question (under a per-question dispatch lock)
 2. run the escalation policy; a hit creates an AUTO transfer
 3. look the normalized text up in the answer cache
 4. otherwise ask the AI gateway, cache the answer and mark it ANSWERED

Any gateway failure after retries degrades to an AUTO transfer so that every
question reaches a terminal status. Repository and cache calls run on a
bounded blocking pool; single-shot dispatch runs on a separate scheduler
pool and is never awaited by the HTTP request that started it.

Staff work through transfers: PENDING -> PROCESSING (assign) -> COMPLETED
(reply). A reply is written back to the question as a HUMAN answer.
*/
package consultation

// Package dispatch turns render job descriptors into renderer subprocesses.
//
// A job goes defined → validated → dispatched → succeeded | failed. Jobs that
// never start because an earlier job in a stop-on-error batch failed end as
// skipped.
//
// Invocation shape (Blender convention, configurable under renderer:):
//
//	blender <scene.blend> --background --python <entry.py> -- --inFolder <dir> --gpu <n> ...
//
// The GPU index is also exported to the child as CUDA_VISIBLE_DEVICES (or
// renderer.device_env). The parent environment is never modified.
//
// Execution:
//   - Serial: one renderer at a time, in input order
//   - Scene and entry script are checked before spawning (LaunchError)
//   - Non-zero exit → RenderError with the renderer's exit code
//   - Timeout → SIGTERM to the process group, grace period, SIGKILL; exit code 124
//   - Stdout and stderr tails captured (64KB each)
//   - Optional per-GPU flock so separate rendergate processes never share a device
//
// Batch policy:
//   - continue_on_error true: every job runs, failures are collected
//   - continue_on_error false: the first failure stops the batch; the rest are skipped
//
// No retries. Every job ends with an explicit Outcome.
package dispatch

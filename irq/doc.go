// Package irq implements the interrupt controller of the kernel core.
//
// Devices register a Handler against a Line and raise it either
// synchronously (Raise, the handler runs on the raising goroutine) or
// asynchronously (Post, delivered by the goroutine running Controller.Run).
// While a handler runs, its goroutine is in interrupt context, which the
// kernel uses to reject operations that may suspend.
//
// Masked lines are latched and delivered, once, when unmasked. Lines posted
// in the same batch are coalesced and delivered in ascending line order.
package irq

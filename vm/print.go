package vm

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Print writes a one-line description of v.
func (h *Heap) Print(w io.Writer, v Value) {
	switch {
	case v.IsSmallInt():
		fmt.Fprint(w, v.SmallInt())
	case v.IsMark():
		fmt.Fprintf(w, "<mark %#x>", uint64(v))
	case v == h.nilObj:
		fmt.Fprint(w, "nil")
	case v == h.trueObj:
		fmt.Fprint(w, "true")
	case v == h.falseObj:
		fmt.Fprint(w, "false")
	default:
		h.layoutOf(v).print(h, v, w)
	}
}

// String returns Print's output.
func (h *Heap) String(v Value) string {
	var sb strings.Builder
	h.Print(&sb, v)
	return sb.String()
}

// shortString describes v without its contents, for use inside another
// object's description.
func (h *Heap) shortString(v Value) string {
	switch {
	case v.IsSmallInt():
		return strconv.FormatInt(v.SmallInt(), 10)
	case v.IsMark():
		return fmt.Sprintf("<mark %#x>", uint64(v))
	case v == h.nilObj:
		return "nil"
	case v == h.trueObj:
		return "true"
	case v == h.falseObj:
		return "false"
	}
	switch h.ShapeOf(v) {
	case ShapeSymbol, ShapeDouble, ShapeKlass:
		return h.String(v)
	case ShapeByteArray:
		if h.KlassOf(v) == h.known.string {
			return h.String(v)
		}
	}
	return article(h.KlassName(h.KlassOf(v)))
}

// describe names v's klass without trusting the heap, for error reports.
func (h *Heap) describe(v Value) string {
	if !v.IsObject() {
		return h.shortString(v)
	}
	a := v.Address()
	if !h.old.ContainsUsed(a) && !h.eden.ContainsUsed(a) && !h.from.ContainsUsed(a) && !h.to.ContainsUsed(a) {
		return fmt.Sprintf("<%#x outside heap>", a)
	}
	if !Value(h.word(a)).IsMark() {
		return fmt.Sprintf("<%#x with header %#x>", a, h.word(a))
	}
	k := h.KlassOf(v)
	if !h.IsKlass(k) {
		return fmt.Sprintf("<%#x with bad klass %#x>", a, uint64(k))
	}
	return article(h.KlassName(k))
}

// PrintSpaces writes the occupancy of every space and table.
func (h *Heap) PrintSpaces(w io.Writer) {
	fmt.Fprintf(w, "heap %s\n", h.id)
	for _, s := range []*Space{h.eden, h.from, h.to, h.old} {
		fmt.Fprintf(w, "  %s\n", s)
	}
	st := h.symbols.Stats()
	fmt.Fprintf(w, "  symbols %d in %d buckets, longest chain %d\n", st.Symbols, st.UsedBuckets, st.LongestChain)
	fmt.Fprintf(w, "  remembered set %d, notification queue %d, handles %d\n",
		h.rset.Len(), h.queue.Len(), h.handles.Len())
	fmt.Fprintf(w, "  tenuring threshold %d\n", h.tenuringThreshold)
}

package topology

import (
	"fmt"
	"strings"
)

// String renders the tree one object per line, indented by depth, in the
// manner of lstopo.
func (t *Tree) String() string {
	var b strings.Builder
	t.Walk(func(o *Object) bool {
		b.WriteString(strings.Repeat("  ", o.Depth()))
		b.WriteString(describe(o))
		b.WriteByte('\n')
		return true
	})
	for _, k := range t.kinds {
		fmt.Fprintf(&b, "CPUKind efficiency=%d cpuset=%s%s\n", k.Efficiency, k.CPUSet, infoSuffix(k.Infos))
	}
	return b.String()
}

func describe(o *Object) string {
	s := fmt.Sprintf("%s L#%d", o.Type(), o.LogicalIndex)
	if idx := o.OSIndex(); idx >= 0 {
		s += fmt.Sprintf(" P#%d", idx)
	}
	var attrs []string
	switch k := o.Kind.(type) {
	case NUMANode:
		if k.LocalMemory.Known() {
			attrs = append(attrs, "local="+k.LocalMemory.String())
		}
	case Cache:
		attrs = append(attrs, "size="+k.Size.String(), "linesize="+k.LineSize.String())
		switch k.Associativity {
		case AssociativityUnknown:
		case AssociativityFull:
			attrs = append(attrs, "ways=full")
		default:
			attrs = append(attrs, fmt.Sprintf("ways=%d", k.Associativity))
		}
	}
	if len(attrs) > 0 {
		s += " (" + strings.Join(attrs, " ") + ")"
	}
	s += " cpuset=" + o.CPUSet.String()
	if o.NodeSet != nil && !o.NodeSet.IsZero() {
		s += " nodeset=" + o.NodeSet.String()
	}
	return s + infoSuffix(o.Infos)
}

func infoSuffix(infos []Info) string {
	if len(infos) == 0 {
		return ""
	}
	parts := make([]string, len(infos))
	for i, info := range infos {
		parts[i] = fmt.Sprintf("%s=%q", info.Name, info.Value)
	}
	return " " + strings.Join(parts, " ")
}

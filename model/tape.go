package model

// nodeKind tags one entry of the expression tape
type nodeKind int

const (
	nConst nodeKind = iota
	nParam
	nData
	nGroup // param[ids[i]]
	nAdd
	nSub
	nMul
	nDiv
	nNeg
	nExp
	nLog
	nInvLogit
)

var opKinds = map[Op]nodeKind{
	OpAdd:      nAdd,
	OpSub:      nSub,
	OpMul:      nMul,
	OpDiv:      nDiv,
	OpNeg:      nNeg,
	OpExp:      nExp,
	OpLog:      nLog,
	OpInvLogit: nInvLogit,
}

// node is one tape entry. Nodes are appended after their arguments, so the
// tape is already in evaluation order and a reverse walk is a valid
// backward sweep.
type node struct {
	kind  nodeKind
	n     int // output length
	value float64
	param int       // parameter index for nParam and nGroup
	data  []float64 // nData
	ids   []int     // nGroup
	args  []int
}

// compile appends e (and its arguments) to the tape and returns its id
func (b *builder) compile(e Expr, subject string) (int, error) {
	m := b.m
	var nd node

	switch {
	case e.Value != nil:
		nd = node{kind: nConst, n: 1, value: *e.Value}

	case e.Param != "":
		pi, ok := b.params[e.Param]
		if !ok {
			return 0, specErrorf(subject, "undeclared parameter %q", e.Param)
		}
		p := m.Params[pi]
		if e.By == "" {
			nd = node{kind: nParam, n: p.Dim, param: pi}
			break
		}
		col, ok := m.data[e.By]
		if !ok {
			return 0, specErrorf(subject, "undeclared data column %q", e.By)
		}
		if col.group == nil {
			return 0, specErrorf(subject, "%s is not a grouping column", e.By)
		}
		if col.group.Groups != p.Dim {
			return 0, specErrorf(subject, "grouping %s has %d groups but %s has dim %d", e.By, col.group.Groups, p.Name, p.Dim)
		}
		nd = node{kind: nGroup, n: len(col.group.IDs), param: pi, ids: col.group.IDs}

	case e.Data != "":
		col, ok := m.data[e.Data]
		if !ok {
			return 0, specErrorf(subject, "undeclared data column %q", e.Data)
		}
		nd = node{kind: nData, n: len(col.values), data: col.values}

	default:
		kind, ok := opKinds[e.Op]
		if !ok {
			return 0, specErrorf(subject, "unknown op %q", e.Op)
		}
		nd = node{kind: kind, n: 1}
		for _, a := range e.Args {
			id, err := b.compile(a, subject)
			if err != nil {
				return 0, err
			}
			nd.args = append(nd.args, id)
			if l := m.nodes[id].n; l > nd.n {
				nd.n = l
			}
		}
		for i, id := range nd.args {
			if l := m.nodes[id].n; l != 1 && l != nd.n {
				return 0, specErrorf(subject, "cannot broadcast argument %s (length %d) to length %d in %s", e.Args[i], l, nd.n, e)
			}
		}
	}

	m.nodes = append(m.nodes, nd)
	return len(m.nodes) - 1, nil
}

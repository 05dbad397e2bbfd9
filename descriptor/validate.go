package descriptor

import (
	"errors"
	"strconv"
	"strings"
)

// Problem is one finding of Validate.
type Problem struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (p *Problem) Error() string { return p.Path + ": " + p.Message }

// Validate checks the descriptor without resolving types: names present and
// unique per scope, known layer references, acyclic layer uses and valid
// visibilities. Every problem is reported, joined.
func (d *Descriptor) Validate() error {
	var v validator
	v.run(d)
	return errors.Join(v.problems...)
}

// Problems returns the findings of Validate as a list.
func (d *Descriptor) Problems() []*Problem {
	var v validator
	v.run(d)
	out := make([]*Problem, len(v.problems))
	for i, p := range v.problems {
		out[i] = p.(*Problem)
	}
	return out
}

type validator struct {
	problems []error
}

func (v *validator) add(path, msg string) {
	v.problems = append(v.problems, &Problem{Path: path, Message: msg})
}

func (v *validator) run(d *Descriptor) {
	if strings.TrimSpace(d.Application) == "" {
		v.add("application", "name is required")
	}

	layers := map[string]int{}
	for i, l := range d.Layers {
		path := "layers[" + strconv.Itoa(i) + "]"
		switch {
		case strings.TrimSpace(l.Name) == "":
			v.add(path, "name is required")
		case layers[l.Name] > 0:
			v.add(path, "duplicate layer "+strconv.Quote(l.Name))
		default:
			layers[l.Name] = i + 1
		}
	}

	for i, l := range d.Layers {
		path := "layers[" + strconv.Itoa(i) + "]"
		for j, u := range l.Uses {
			if layers[u] == 0 {
				v.add(path+".uses["+strconv.Itoa(j)+"]", "unknown layer "+strconv.Quote(u))
			}
		}

		modules := map[string]bool{}
		for j, m := range l.Modules {
			mpath := path + ".modules[" + strconv.Itoa(j) + "]"
			switch {
			case strings.TrimSpace(m.Name) == "":
				v.add(mpath, "name is required")
			case modules[m.Name]:
				v.add(mpath, "duplicate module "+strconv.Quote(m.Name))
			default:
				modules[m.Name] = true
			}

			names := map[string]bool{}
			check := func(kind string, list []Composite) {
				for k, c := range list {
					cpath := mpath + "." + kind + "[" + strconv.Itoa(k) + "]"
					if strings.TrimSpace(c.Type) == "" {
						v.add(cpath, "type is required")
						continue
					}
					if _, ok := visibility(c.Visibility); !ok {
						v.add(cpath, "unknown visibility "+strconv.Quote(c.Visibility))
					}
					if names[c.DisplayName()] {
						v.add(cpath, "duplicate composite "+strconv.Quote(c.DisplayName()))
					}
					names[c.DisplayName()] = true
				}
			}
			check("composites", m.Composites)
			check("services", m.Services)
		}
	}

	if cycle := layerCycle(d.Layers); cycle != nil {
		v.add("layers", "cyclic uses: "+strings.Join(cycle, " -> "))
	}
}

// layerCycle returns the first cycle in layer uses, or nil.
func layerCycle(layers []Layer) []string {
	uses := make(map[string][]string, len(layers))
	for _, l := range layers {
		uses[l.Name] = append(uses[l.Name], l.Uses...)
	}

	const (
		visiting = iota + 1
		done
	)
	color := map[string]int{}
	var path []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		switch color[name] {
		case visiting:
			for i, n := range path {
				if n == name {
					cycle = append(append([]string(nil), path[i:]...), name)
					break
				}
			}
			return true
		case done:
			return false
		}
		color[name] = visiting
		path = append(path, name)
		for _, u := range uses[name] {
			if visit(u) {
				return true
			}
		}
		path = path[:len(path)-1]
		color[name] = done
		return false
	}

	for _, l := range layers {
		if visit(l.Name) {
			return cycle
		}
	}
	return nil
}

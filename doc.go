// Package cop is a composite-oriented runtime for Go.
//
// A composite is declared as a set of contract interfaces plus fragments:
// mixins that implement the contract methods, concerns that wrap them and
// side effects that observe their outcome. Composites live in modules,
// modules in layers, and layers in an application whose services are
// activated and passivated together.
//
// Packages, bottom up:
//
//   - uses: hierarchical container for values handed to composites
//   - constraint: annotation-driven validation of parameters, results and state
//   - model: declarations, contracts and the compiled fragment graph
//   - invoke: dispatch tables, instances and the invocation pipeline
//   - lifecycle: builders, instantiation and per-composite activation
//   - structure: assembler, visibility rules, services and application lifecycle
//   - descriptor: YAML application descriptors
//
// cmd/cop generates typed facades for contracts and lints descriptors;
// examples/greeting wires everything from a descriptor.
package cop

// Package pongo adapts github.com/flosch/pongo2/v6 to the engine contract.
// Templates use Django/Jinja syntax, including {% extends %} and {% block %}.
// Block lookup walks the extends chain so a fragment declared only on a base
// template can be rendered through any template extending it.
package pongo

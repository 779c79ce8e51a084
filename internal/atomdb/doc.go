// Package atomdb is the atomic-emission database consumed by the ionization
// solver and the emission synthesizer.
//
// An EmissionModel carries, per element, the abundance and the ionization and
// recombination rate coefficients tabulated on a log10 temperature grid, the
// list of ions that are modeled for emission, and per ion the contribution
// functions of its lines on a log10 temperature (and optionally log10
// density) grid. Tables are interpolated with gonum's piecewise-linear
// predictor.
package atomdb

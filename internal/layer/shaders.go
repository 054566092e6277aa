package layer

// WGSL compute programs. The device prepends the specialisation constants
// sp0..spN and local_size_x/y/z; push constants arrive as a uniform struct
// bound after the storage buffers.

// paddingShader: sp0 top, sp1 bottom, sp2 left, sp3 right, sp4 type, sp5 value.
const paddingShader = `
struct Shape {
    bottom_dims: i32,
    bottom_w: i32,
    bottom_h: i32,
    bottom_c: i32,
    bottom_cstep: i32,
    top_dims: i32,
    top_w: i32,
    top_h: i32,
    top_c: i32,
    top_cstep: i32,
}

@group(0) @binding(0) var<storage, read> bottom_blob: array<f32>;
@group(0) @binding(1) var<storage, read_write> top_blob: array<f32>;
@group(0) @binding(2) var<uniform> p: Shape;

fn reflect_index(i: i32, n: i32) -> i32 {
    if (i < 0) {
        return -i;
    }
    if (i >= n) {
        return 2 * (n - 1) - i;
    }
    return i;
}

@compute @workgroup_size(local_size_x, local_size_y, local_size_z)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let gx = i32(gid.x);
    let gy = i32(gid.y);
    let gz = i32(gid.z);

    if (gx >= p.top_w || gy >= p.top_h || gz >= p.top_c) {
        return;
    }

    var pad_top = sp0;
    if (p.bottom_dims == 1) {
        pad_top = 0;
    }

    var x = gx - sp2;
    var y = gy - pad_top;
    let out_index = gz * p.top_cstep + gy * p.top_w + gx;

    if (sp4 == 0) {
        if (x < 0 || y < 0 || x >= p.bottom_w || y >= p.bottom_h) {
            top_blob[out_index] = sp5;
            return;
        }
    } else if (sp4 == 1) {
        x = clamp(x, 0, p.bottom_w - 1);
        y = clamp(y, 0, p.bottom_h - 1);
    } else {
        x = reflect_index(x, p.bottom_w);
        y = reflect_index(y, p.bottom_h);
    }

    top_blob[out_index] = bottom_blob[gz * p.bottom_cstep + y * p.bottom_w + x];
}
`

// softmaxShader: sp0 axis. The invocation at coordinate 0 of the reduced
// axis runs the max, exp, sum and divide phases for its whole slice; the
// other invocations of the slice exit.
const softmaxShader = `
struct Shape {
    dims: i32,
    w: i32,
    h: i32,
    c: i32,
    cstep: i32,
}

@group(0) @binding(0) var<storage, read_write> bottom_top_blob: array<f32>;
@group(0) @binding(1) var<storage, read_write> max_workspace: array<f32>;
@group(0) @binding(2) var<storage, read_write> sum_workspace: array<f32>;
@group(0) @binding(3) var<uniform> p: Shape;

@compute @workgroup_size(local_size_x, local_size_y, local_size_z)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let gx = i32(gid.x);
    let gy = i32(gid.y);
    let gz = i32(gid.z);

    if (gx >= p.w || gy >= p.h || gz >= p.c) {
        return;
    }

    var lead = false;
    var n = 0;
    var stride = 0;
    var base = 0;
    var ws = 0;

    if (p.dims == 1) {
        lead = gx == 0;
        n = p.w;
        stride = 1;
    } else if (p.dims == 2 && sp0 == 0) {
        lead = gy == 0;
        n = p.h;
        stride = p.w;
        base = gx;
        ws = gx;
    } else if (p.dims == 2 && sp0 == 1) {
        lead = gx == 0;
        n = p.w;
        stride = 1;
        base = gy * p.w;
        ws = gy;
    } else if (sp0 == 0) {
        lead = gz == 0;
        n = p.c;
        stride = p.cstep;
        base = gy * p.w + gx;
        ws = gy * p.w + gx;
    } else if (sp0 == 1) {
        lead = gx == 0;
        n = p.w;
        stride = 1;
        base = gz * p.cstep + gy * p.w;
        ws = gz * p.h + gy;
    } else {
        lead = gy == 0;
        n = p.h;
        stride = p.w;
        base = gz * p.cstep + gx;
        ws = gz * p.w + gx;
    }

    if (!lead) {
        return;
    }

    var m = -3.402823e38;
    for (var k = 0; k < n; k++) {
        m = max(m, bottom_top_blob[base + k * stride]);
    }
    max_workspace[ws] = m;

    var sum = 0.0;
    for (var k = 0; k < n; k++) {
        let e = exp(bottom_top_blob[base + k * stride] - m);
        bottom_top_blob[base + k * stride] = e;
        sum += e;
    }
    sum_workspace[ws] = sum;

    for (var k = 0; k < n; k++) {
        bottom_top_blob[base + k * stride] /= sum;
    }
}
`
